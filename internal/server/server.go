package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/datafeedhq/datafeed/internal/codec"
	"github.com/datafeedhq/datafeed/internal/metrics"
	"github.com/datafeedhq/datafeed/internal/protocol"
	"github.com/datafeedhq/datafeed/internal/store"
)

// Config holds the TCP listener settings. An empty Password disables the
// auth gate; a zero ReadTimeout leaves connections unbounded between
// requests.
type Config struct {
	Bind        string
	Port        int
	Password    string
	ReadTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{Port: 8082}
}

func (c Config) addr() string { return fmt.Sprintf("%s:%d", c.Bind, c.Port) }

// Server accepts feed connections and runs the request loop, one goroutine
// per connection.
type Server struct {
	cfg     Config
	handler *Handler
	stats   *Stats
	reg     *metrics.Registry
	log     zerolog.Logger

	ln    net.Listener
	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// New wires a server around the store manager. arc may be nil when no
// scheduler is attached; the archive commands then refuse to run.
func New(cfg Config, mgr *store.Manager, arc Archiver, reg *metrics.Registry, logger zerolog.Logger) *Server {
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	sts := NewStats()
	return &Server{
		cfg:     cfg,
		handler: NewHandler(mgr, arc, sts, reg, logger),
		stats:   sts,
		reg:     reg,
		log:     logger.With().Str("component", "server").Logger(),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Stats exposes the shared timing table.
func (s *Server) Stats() *Stats { return s.stats }

// Metrics exposes the collector registry for the monitor endpoint.
func (s *Server) Metrics() *metrics.Registry { return s.reg }

// Listen binds the configured address. Serve calls it when needed; tests
// bind port 0 first to learn the address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.addr(), err)
	}
	s.ln = ln
	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
	return nil
}

// Addr returns the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx is canceled, then unblocks pending
// reads and waits for every connection to drain.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	go func() {
		<-ctx.Done()
		s.ln.Close()
		s.mu.Lock()
		for nc := range s.conns {
			nc.SetReadDeadline(time.Now())
		}
		s.mu.Unlock()
	}()

	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			return err
		}
		s.wg.Add(1)
		go s.serveConn(ctx, nc)
	}
	s.wg.Wait()
	s.log.Info().Msg("connections drained")
	return nil
}

func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	defer s.wg.Done()
	defer nc.Close()

	if tc, ok := nc.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	s.mu.Lock()
	s.conns[nc] = struct{}{}
	s.mu.Unlock()
	if ctx.Err() != nil {
		nc.SetReadDeadline(time.Now())
	}
	defer func() {
		s.mu.Lock()
		delete(s.conns, nc)
		s.mu.Unlock()
	}()

	s.reg.ConnOpened()
	defer s.reg.ConnClosed()

	c := &conn{
		srv:    s,
		nc:     nc,
		r:      protocol.NewReader(nc),
		w:      protocol.NewWriter(nc),
		authed: s.cfg.Password == "",
		log: s.log.With().
			Str("conn", uuid.New().String()[:8]).
			Str("remote", nc.RemoteAddr().String()).
			Logger(),
	}
	c.log.Debug().Msg("connection opened")
	c.serve(ctx)
	c.log.Debug().Msg("connection closed")
}

type conn struct {
	srv    *Server
	nc     net.Conn
	r      *protocol.Reader
	w      *protocol.Writer
	log    zerolog.Logger
	authed bool
}

func (c *conn) serve(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if t := c.srv.cfg.ReadTimeout; t > 0 {
			c.nc.SetReadDeadline(time.Now().Add(t))
		}
		req, err := c.r.Read()
		if err != nil {
			c.readFailed(err)
			return
		}
		if err := c.handle(req); err != nil {
			c.log.Debug().Err(err).Msg("write failed")
			return
		}
		if err := c.w.Flush(); err != nil {
			c.log.Debug().Err(err).Msg("flush failed")
			return
		}
	}
}

func (c *conn) readFailed(err error) {
	switch {
	case errors.Is(err, protocol.ErrQuit), errors.Is(err, io.EOF):
	case errors.Is(err, protocol.ErrBadFrame):
		// framing is unrecoverable, tell the peer and hang up
		c.w.Error("unknown command")
		c.w.Flush()
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			c.log.Debug().Msg("read timeout")
			return
		}
		if !errors.Is(err, net.ErrClosed) {
			c.log.Debug().Err(err).Msg("read failed")
		}
	}
}

// handle runs one request and records its timing. The returned error is an
// I/O failure on the reply path; command failures become -ERR replies.
func (c *conn) handle(req *protocol.Request) error {
	cmd := req.Command()
	start := time.Now()
	err := c.dispatch(cmd, req)
	elapsed := time.Since(start)

	// arbitrary command names must not grow the stats table
	label := cmd
	if _, known := commands[cmd]; !known && cmd != "auth" {
		label = "unknown"
	}
	c.srv.stats.Record(label, elapsed)
	c.srv.reg.ObserveCommand(label, elapsed, err == nil)

	if err != nil {
		return c.srv.handler.writeError(c.w, cmd, err)
	}
	return nil
}

func (c *conn) dispatch(cmd string, req *protocol.Request) error {
	if cmd == "auth" {
		return c.auth(req)
	}
	if !c.authed {
		return errNotPermitted
	}
	fn, ok := commands[cmd]
	if !ok {
		return errUnknownCommand
	}
	return fn(c.srv.handler, c.w, req)
}

func (c *conn) auth(req *protocol.Request) error {
	if req.NArgs() < 2 {
		return errWrongArgs
	}
	// plain is the only mechanism
	if f := tag(req, 2, codec.FormatPlain); f != codec.FormatPlain {
		return errWrongFormat
	}
	if c.srv.cfg.Password != "" && req.String(1) != c.srv.cfg.Password {
		return errInvalidPassword
	}
	c.authed = true
	return c.w.OK()
}
