package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/datafeedhq/datafeed/internal/codec"
	"github.com/datafeedhq/datafeed/internal/metrics"
	"github.com/datafeedhq/datafeed/internal/protocol"
	"github.com/datafeedhq/datafeed/internal/store"
)

// Archiver triggers the scheduler's archive jobs when they are invoked over
// the wire instead of by the clock.
type Archiver interface {
	ArchiveMinute() error
	ArchiveDay() error
}

// statusError carries a protocol-visible failure; its text goes after -ERR.
type statusError string

func (e statusError) Error() string { return string(e) }

var (
	errUnknownCommand  = statusError("UNKNOWN COMMAND")
	errNotPermitted    = statusError("operation not permitted")
	errInvalidPassword = statusError("invalid password")
	errWrongArgs       = statusError("wrong number of arguments")
	errWrongFormat     = statusError("wrong data format")
)

// Handler executes decoded requests against the store manager. One handler
// serves all connections; per-connection state stays in the server.
type Handler struct {
	mgr *store.Manager
	arc Archiver
	sts *Stats
	reg *metrics.Registry
	log zerolog.Logger
}

func NewHandler(mgr *store.Manager, arc Archiver, sts *Stats, reg *metrics.Registry, logger zerolog.Logger) *Handler {
	return &Handler{
		mgr: mgr,
		arc: arc,
		sts: sts,
		reg: reg,
		log: logger.With().Str("component", "handler").Logger(),
	}
}

// commands maps command names onto their handlers. auth is absent: it needs
// connection state and is dispatched before the table.
var commands = map[string]func(*Handler, *protocol.Writer, *protocol.Request) error{
	"get_mtime":      (*Handler).getMtime,
	"get_list":       (*Handler).getList,
	"get_tick":       (*Handler).getTick,
	"get_ticks":      (*Handler).getTicks,
	"get_minute":     (*Handler).getMinute,
	"get_1minute":    (*Handler).getOneMinute,
	"get_5minute":    (*Handler).getFiveMinute,
	"get_day":        (*Handler).getDay,
	"get_dividend":   (*Handler).getDividend,
	"get_sector":     (*Handler).getSector,
	"get_stats":      (*Handler).getStats,
	"put_ticks":      (*Handler).putTicks,
	"put_tick":       (*Handler).putTick,
	"put_minute":     (*Handler).putMinute,
	"put_1minute":    (*Handler).putOneMinute,
	"put_5minute":    (*Handler).putFiveMinute,
	"put_day":        (*Handler).putDay,
	"put_meta":       (*Handler).putMeta,
	"put_depth":      (*Handler).putDepth,
	"put_trade":      (*Handler).putTrade,
	"mput_trade":     (*Handler).mputTrade,
	"archive_minute": (*Handler).archiveMinute,
	"archive_day":    (*Handler).archiveDay,
}

// writeError maps a command failure onto its wire reply. Unexpected errors
// are logged and surfaced generically; the connection stays usable.
func (h *Handler) writeError(w *protocol.Writer, cmd string, err error) error {
	var se statusError
	var nf *store.NotFoundError
	switch {
	case errors.As(err, &se):
		return w.Error(string(se))
	case errors.As(err, &nf):
		return w.Error(fmt.Sprintf("Symbol %s not exists.", nf.Symbol))
	case errors.Is(err, store.ErrNoData):
		return w.Error("No data.")
	case errors.Is(err, codec.ErrFormat):
		return w.Error("wrong data format")
	default:
		h.log.Error().Err(err).Str("command", cmd).Msg("command failed")
		return w.Error("internal error")
	}
}

// tag returns the format argument at position i, lowercased, or def when the
// request is shorter.
func tag(req *protocol.Request, i int, def string) string {
	if req.NArgs() > i {
		return strings.ToLower(req.String(i))
	}
	return def
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}

func (h *Handler) replyJSON(w *protocol.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.Bulk(b)
}

// reply writes an array result in the requested format. The npy closure
// defers encoding until the format is known.
func (h *Handler) reply(w *protocol.Writer, format string, npy func() []byte, v any) error {
	switch format {
	case codec.FormatNpy:
		return w.Bulk(npy())
	case codec.FormatJSON:
		return h.replyJSON(w, v)
	default:
		return errWrongFormat
	}
}

func (h *Handler) getMtime(w *protocol.Writer, _ *protocol.Request) error {
	return w.Int(h.mgr.Mtime())
}

func (h *Handler) getList(w *protocol.Writer, req *protocol.Request) error {
	prefix := ""
	if req.NArgs() > 1 {
		prefix = req.String(1)
	}
	if f := tag(req, 2, codec.FormatJSON); f != codec.FormatJSON {
		return errWrongFormat
	}
	return h.replyJSON(w, h.mgr.List(prefix))
}

func (h *Handler) getTick(w *protocol.Writer, req *protocol.Request) error {
	if req.NArgs() < 2 {
		return errWrongArgs
	}
	if f := tag(req, 2, codec.FormatJSON); f != codec.FormatJSON {
		return errWrongFormat
	}
	t, err := h.mgr.Tick(req.String(1))
	if err != nil {
		return err
	}
	return h.replyJSON(w, t)
}

// getTicks takes one or more symbols with a mandatory trailing format tag.
func (h *Handler) getTicks(w *protocol.Writer, req *protocol.Request) error {
	if req.NArgs() < 3 {
		return errWrongArgs
	}
	if f := tag(req, req.NArgs()-1, codec.FormatJSON); f != codec.FormatJSON {
		return errWrongFormat
	}
	symbols := make([]string, 0, req.NArgs()-2)
	for i := 1; i < req.NArgs()-1; i++ {
		symbols = append(symbols, req.String(i))
	}
	return h.replyJSON(w, h.mgr.Ticks(symbols))
}

func (h *Handler) getMinute(w *protocol.Writer, req *protocol.Request) error {
	if req.NArgs() < 3 {
		return errWrongArgs
	}
	ts, err := strconv.ParseInt(req.String(2), 10, 64)
	if err != nil {
		return errWrongArgs
	}
	rows, err := h.mgr.Minute(req.String(1), ts)
	if err != nil {
		return err
	}
	return h.reply(w, tag(req, 3, codec.FormatNpy),
		func() []byte { return codec.EncodeMinutes(rows) }, rows)
}

func (h *Handler) getOneMinute(w *protocol.Writer, req *protocol.Request) error {
	return h.getBars(w, req, h.mgr.OneMinute)
}

func (h *Handler) getFiveMinute(w *protocol.Writer, req *protocol.Request) error {
	return h.getBars(w, req, h.mgr.FiveMinute)
}

// getBars serves the dated OHLC lookups, which report any miss as No data.
func (h *Handler) getBars(w *protocol.Writer, req *protocol.Request, get func(string, string) ([]store.OHLC, error)) error {
	if req.NArgs() < 3 {
		return errWrongArgs
	}
	rows, err := get(req.String(1), req.String(2))
	if store.IsNotFound(err) {
		return store.ErrNoData
	}
	if err != nil {
		return err
	}
	return h.reply(w, tag(req, 3, codec.FormatNpy),
		func() []byte { return codec.EncodeOHLC(rows) }, rows)
}

func (h *Handler) getDay(w *protocol.Writer, req *protocol.Request) error {
	if req.NArgs() < 3 {
		return errWrongArgs
	}
	symbol, sel := req.String(1), req.String(2)

	var rows []store.OHLC
	if len(sel) == 8 && isDigits(sel) {
		row, err := h.mgr.DayByDate(symbol, sel)
		if err != nil {
			return err
		}
		rows = []store.OHLC{row}
	} else {
		n, aerr := strconv.Atoi(sel)
		if aerr != nil || n <= 0 {
			return errWrongArgs
		}
		var err error
		rows, err = h.mgr.RecentDays(symbol, n)
		if err != nil {
			return err
		}
	}
	return h.reply(w, tag(req, 3, codec.FormatNpy),
		func() []byte { return codec.EncodeOHLC(rows) }, rows)
}

func (h *Handler) getDividend(w *protocol.Writer, req *protocol.Request) error {
	if req.NArgs() < 2 {
		return errWrongArgs
	}
	rows := h.mgr.Dividends(req.String(1))
	return h.reply(w, tag(req, 2, codec.FormatNpy),
		func() []byte { return codec.EncodeDividends(rows) }, rows)
}

func (h *Handler) getSector(w *protocol.Writer, req *protocol.Request) error {
	if req.NArgs() < 2 {
		return errWrongArgs
	}
	if f := tag(req, 2, codec.FormatJSON); f != codec.FormatJSON {
		return errWrongFormat
	}
	members, err := h.mgr.Sector(req.String(1))
	if err != nil {
		return err
	}
	return h.replyJSON(w, members)
}

// getStats ignores any leading argument so older clients that send a name
// keep working.
func (h *Handler) getStats(w *protocol.Writer, _ *protocol.Request) error {
	return h.replyJSON(w, h.sts.Snapshot())
}

func (h *Handler) putTicks(w *protocol.Writer, req *protocol.Request) error {
	if req.NArgs() < 2 {
		return errWrongArgs
	}
	if f := tag(req, 2, codec.FormatZip); f != codec.FormatZip {
		return errWrongFormat
	}
	batch, err := codec.DecodeTicks(req.Bytes(1))
	if err != nil {
		return err
	}
	h.mgr.UpdateTicks(batch)
	h.reg.TicksAccepted.Add(float64(len(batch)))
	return w.OK()
}

func (h *Handler) putTick(w *protocol.Writer, req *protocol.Request) error {
	if req.NArgs() < 4 {
		return errWrongArgs
	}
	ts, err := strconv.ParseInt(req.String(2), 10, 64)
	if err != nil {
		return errWrongArgs
	}
	if f := tag(req, 4, codec.FormatZip); f != codec.FormatZip {
		return errWrongFormat
	}
	tick, err := codec.DecodeTick(req.Bytes(3))
	if err != nil {
		return err
	}
	if _, ok := tick["timestamp"]; !ok {
		tick["timestamp"] = ts
	}
	h.mgr.UpdateTick(req.String(1), tick)
	h.reg.TicksAccepted.Inc()
	return w.OK()
}

func (h *Handler) putMinute(w *protocol.Writer, req *protocol.Request) error {
	if req.NArgs() < 3 {
		return errWrongArgs
	}
	if f := tag(req, 3, codec.FormatNpy); f != codec.FormatNpy {
		return errWrongFormat
	}
	rows, err := codec.DecodeMinutes(req.Bytes(2))
	if err != nil {
		return err
	}
	if err := h.mgr.UpdateMinute(req.String(1), rows); err != nil {
		return err
	}
	return w.OK()
}

func (h *Handler) putOneMinute(w *protocol.Writer, req *protocol.Request) error {
	return h.putBars(w, req, h.mgr.UpdateOneMinute)
}

func (h *Handler) putFiveMinute(w *protocol.Writer, req *protocol.Request) error {
	return h.putBars(w, req, h.mgr.UpdateFiveMinute)
}

func (h *Handler) putDay(w *protocol.Writer, req *protocol.Request) error {
	return h.putBars(w, req, h.mgr.UpdateDay)
}

func (h *Handler) putBars(w *protocol.Writer, req *protocol.Request, update func(string, []store.OHLC) error) error {
	if req.NArgs() < 3 {
		return errWrongArgs
	}
	if f := tag(req, 3, codec.FormatNpy); f != codec.FormatNpy {
		return errWrongFormat
	}
	rows, err := codec.DecodeOHLC(req.Bytes(2))
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		if err := update(req.String(1), rows); err != nil {
			return err
		}
	}
	return w.OK()
}

func (h *Handler) putMeta(w *protocol.Writer, req *protocol.Request) error {
	if req.NArgs() < 3 {
		return errWrongArgs
	}
	h.mgr.SetMeta(req.String(1), req.Bytes(2))
	return w.OK()
}

func (h *Handler) putDepth(w *protocol.Writer, req *protocol.Request) error {
	symbol, ts, payload, err := opaqueArgs(req)
	if err != nil {
		return err
	}
	h.mgr.SetDepth(symbol, ts, payload)
	return w.OK()
}

func (h *Handler) putTrade(w *protocol.Writer, req *protocol.Request) error {
	symbol, ts, payload, err := opaqueArgs(req)
	if err != nil {
		return err
	}
	h.mgr.SetTrade(symbol, ts, payload)
	return w.OK()
}

func opaqueArgs(req *protocol.Request) (string, int64, []byte, error) {
	if req.NArgs() < 4 {
		return "", 0, nil, errWrongArgs
	}
	ts, err := strconv.ParseInt(req.String(2), 10, 64)
	if err != nil {
		return "", 0, nil, errWrongArgs
	}
	return req.String(1), ts, req.Bytes(3), nil
}

func (h *Handler) mputTrade(w *protocol.Writer, req *protocol.Request) error {
	if req.NArgs() < 2 {
		return errWrongArgs
	}
	if f := tag(req, 2, codec.FormatZip); f != codec.FormatZip {
		return errWrongFormat
	}
	batch, err := codec.DecodeTicks(req.Bytes(1))
	if err != nil {
		return err
	}
	h.mgr.MergeTrades(batch)
	return w.OK()
}

func (h *Handler) archiveMinute(w *protocol.Writer, _ *protocol.Request) error {
	if h.arc == nil {
		return errNotPermitted
	}
	if err := h.arc.ArchiveMinute(); err != nil {
		return statusError(err.Error())
	}
	return w.OK()
}

func (h *Handler) archiveDay(w *protocol.Writer, _ *protocol.Request) error {
	if h.arc == nil {
		return errNotPermitted
	}
	if err := h.arc.ArchiveDay(); err != nil {
		return statusError(err.Error())
	}
	return w.OK()
}
