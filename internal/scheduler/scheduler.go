// Package scheduler drives the background archive jobs: folding live ticks
// into minute snapshots during the session, synthesizing daily bars after
// the close, and refreshing reference data once a day. A single goroutine
// evaluates the schedule once per second; wire-triggered archive commands
// share its lock so a job never runs twice concurrently.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/datafeedhq/datafeed/internal/exchange"
	"github.com/datafeedhq/datafeed/internal/metrics"
	"github.com/datafeedhq/datafeed/internal/store"
)

const (
	// drainPerTick bounds queued write execution per scheduler pass so a
	// burst of post-close daily bars cannot stall the minute archive.
	drainPerTick = 300

	// minuteGrace keeps the minute archive running a little past the
	// close so the final snapshot lands even when ticks arrive late.
	minuteGrace = int64(5 * 60)

	// dayGrace delays the daily archive past the close until the feed
	// has settled on the closing tick.
	dayGrace = int64(3 * 60)

	// staleAfter drops a symbol from the minute archive when its tick is
	// older than this relative to the feed watermark.
	staleAfter = int64(30 * 60)
)

// errNoData marks an archive attempt before any usable feed data exists.
// The job skips quietly and retries on a later pass.
var errNoData = errors.New("no data yet")

// FeedSyncer refreshes reference data from an upstream source. The daily
// crontab job calls it once per trading day.
type FeedSyncer interface {
	SyncDividends(ctx context.Context) error
	SyncSectors(ctx context.Context) error
}

// Scheduler owns the archive jobs and the deferred write queue.
type Scheduler struct {
	mgr   *store.Manager
	cal   exchange.Calendar
	feed  FeedSyncer
	queue *TaskQueue
	reg   *metrics.Registry
	log   zerolog.Logger

	// DailyHour is the exchange-local hour the reference-data refresh
	// fires at. Set before Run.
	DailyHour int

	// now is swapped out by tests to pin the clock.
	now func() time.Time

	mu         sync.Mutex
	lastMinute int64
	lastDay    int64
	lastDaily  int64
}

// New builds a scheduler over the manager's store and calendar. feed may be
// nil when no upstream reference source is configured; the daily job then
// only advances its watermark.
func New(mgr *store.Manager, feed FeedSyncer, reg *metrics.Registry, logger zerolog.Logger) *Scheduler {
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	s := &Scheduler{
		mgr:       mgr,
		cal:       mgr.Calendar(),
		feed:      feed,
		reg:       reg,
		log:       logger.With().Str("component", "scheduler").Logger(),
		now:       time.Now,
		DailyHour: 8,
	}
	s.queue = NewTaskQueue(s.log)
	return s
}

// Queue exposes the deferred write queue for callers that want their own
// work smeared across scheduler passes.
func (s *Scheduler) Queue() *TaskQueue { return s.queue }

// Run evaluates the schedule once per second until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	s.log.Info().Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduler pass: execute queued writes, roll the minute
// store across date boundaries, then fire whichever jobs are due.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := s.queue.Drain(drainPerTick); n > 0 {
		s.log.Debug().Int("tasks", n).Msg("task queue drained")
	}
	s.reg.TaskQueueDepth.Set(float64(s.queue.Len()))

	if err := s.mgr.RotateMinuteStore(); err != nil {
		s.log.Error().Err(err).Msg("minute store rotation failed")
	}

	now := s.now()
	if s.minuteDue(now) {
		if err := s.archiveMinute(now); errors.Is(err, errNoData) {
			s.log.Debug().Msg("minute archive skipped, feed idle")
		} else {
			s.reg.JobRun("archive_minute", err)
			if err != nil {
				s.log.Error().Err(err).Msg("archive_minute failed")
			}
		}
	}
	if s.dayDue(now) {
		err := s.archiveDay(now)
		s.reg.JobRun("archive_day", err)
		if err != nil {
			s.log.Error().Err(err).Msg("archive_day failed")
		}
	}
	if s.dailyDue(now) {
		err := s.crontabDaily(ctx, now)
		s.reg.JobRun("crontab_daily", err)
		if err != nil {
			s.log.Error().Err(err).Msg("crontab_daily failed")
		}
	}
}

// minuteDue gates the minute archive to the session window plus grace,
// firing on minute boundaries or whenever a minute has passed since the
// last successful run.
func (s *Scheduler) minuteDue(now time.Time) bool {
	ts := now.Unix()
	if ts < s.cal.Open(ts) || ts > s.cal.Close(ts)+minuteGrace {
		return false
	}
	return now.Second() == 0 || ts-s.lastMinute >= 60
}

// dayDue fires once per trading day: past the post-close grace, with the
// feed watermark inside today's session and newer than the last run.
func (s *Scheduler) dayDue(now time.Time) bool {
	ts := now.Unix()
	if ts < s.cal.Close(ts)+dayGrace {
		return false
	}
	mt := s.mgr.Mtime()
	return mt >= s.cal.Close(ts) && mt > s.lastDay
}

// dailyDue fires at DailyHour:00 exchange-local time, with a catch-up arm in
// case the process slept through the exact second.
func (s *Scheduler) dailyDue(now time.Time) bool {
	local := now.In(s.cal.Location())
	if local.Hour() != s.DailyHour || local.Minute() != 0 {
		return false
	}
	return local.Second() == 0 || now.Unix()-s.lastDaily > 86400
}

// archiveMinute folds every live tick into the minute snapshot store, one
// row per symbol at the index of the tick's own timestamp. A timestamp from
// before the session open aborts the whole run without advancing the
// watermark, so the next pass retries the same data.
func (s *Scheduler) archiveMinute(now time.Time) error {
	mt := s.mgr.Mtime()
	if mt == 0 || mt < s.cal.PreOpen(mt) {
		return errNoData
	}
	if err := s.mgr.RotateMinuteStore(); err != nil {
		return err
	}
	st := s.mgr.MinuteStoreAt(mt, true)
	wrote := 0
	for symbol, tick := range s.mgr.List("") {
		ts := tick.Timestamp()
		if ts == 0 || mt-ts > staleAfter {
			continue
		}
		idx, snapTs, err := s.cal.SnapIndex(ts)
		if err != nil {
			return fmt.Errorf("symbol %s: %w", symbol, err)
		}
		row := store.MinuteSnap{
			Time:   int32(snapTs),
			Price:  float32(tick.Float64("price")),
			Volume: float32(tick.Float64("volume")),
			Amount: float32(tick.Float64("amount")),
		}
		if err := st.SetAt(symbol, idx, row); err != nil {
			return fmt.Errorf("symbol %s: %w", symbol, err)
		}
		wrote++
	}
	s.lastMinute = now.Unix()
	s.log.Info().Int("symbols", wrote).Str("date", s.cal.DateOf(mt)).Msg("minute snapshots archived")
	return nil
}

// archiveDay synthesizes one daily bar per symbol from its closing tick and
// queues the writes for later passes instead of flushing thousands of
// symbols inline.
func (s *Scheduler) archiveDay(now time.Time) error {
	mt := s.mgr.Mtime()
	if mt == 0 {
		return errNoData
	}
	date := s.cal.DateOf(mt)
	queued := 0
	for symbol, tick := range s.mgr.List("") {
		ts := tick.Timestamp()
		if ts == 0 || s.cal.DateOf(ts) != date {
			continue
		}
		row := store.OHLC{
			Time:   int32(s.cal.Midnight(ts)),
			Open:   float32(tick.Float64("open")),
			High:   float32(tick.Float64("high")),
			Low:    float32(tick.Float64("low")),
			Close:  float32(tick.Float64("price")),
			Volume: float32(tick.Float64("volume")),
			Amount: float32(tick.Float64("amount")),
		}
		s.queue.Push("day/"+symbol, func() error {
			return s.mgr.UpdateDay(symbol, []store.OHLC{row})
		})
		queued++
	}
	s.reg.TaskQueueDepth.Set(float64(s.queue.Len()))
	s.lastDay = mt
	s.log.Info().Int("symbols", queued).Str("date", date).Msg("daily bars queued")
	return nil
}

// crontabDaily refreshes dividends and sector maps from the upstream feed.
// The watermark only advances on success so a failed sync retries on the
// next pass instead of waiting a day.
func (s *Scheduler) crontabDaily(ctx context.Context, now time.Time) error {
	if s.feed != nil {
		if err := s.feed.SyncDividends(ctx); err != nil {
			return fmt.Errorf("sync dividends: %w", err)
		}
		if err := s.feed.SyncSectors(ctx); err != nil {
			return fmt.Errorf("sync sectors: %w", err)
		}
	}
	s.lastDaily = now.Unix()
	return nil
}

// ArchiveMinute runs the minute archive immediately, outside the session
// window checks. Serialized with the background loop.
func (s *Scheduler) ArchiveMinute() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.archiveMinute(s.now())
}

// ArchiveDay synthesizes and queues today's daily bars immediately. The
// writes still land through the task queue on subsequent passes.
func (s *Scheduler) ArchiveDay() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.archiveDay(s.now())
}
