// Package client is the native wire client, used by the ops subcommands and
// by upstream feed pushers.
package client

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/datafeedhq/datafeed/internal/codec"
	"github.com/datafeedhq/datafeed/internal/protocol"
	"github.com/datafeedhq/datafeed/internal/store"
)

// MethodStats mirrors one get_stats entry; timings are seconds.
type MethodStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Total float64 `json:"total"`
	Count int64   `json:"count"`
}

// Client is a single-connection wire client. It pipelines nothing and is not
// safe for concurrent use.
type Client struct {
	nc net.Conn
	r  *protocol.Reader
	w  *protocol.Writer
}

// Dial connects without a timeout.
func Dial(addr string) (*Client, error) {
	return DialTimeout(addr, 0)
}

// DialTimeout connects, giving up after d when d is positive.
func DialTimeout(addr string, d time.Duration) (*Client, error) {
	nc, err := net.DialTimeout("tcp", addr, d)
	if err != nil {
		return nil, err
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return &Client{nc: nc, r: protocol.NewReader(nc), w: protocol.NewWriter(nc)}, nil
}

// Close drops the connection without the quit handshake.
func (c *Client) Close() error { return c.nc.Close() }

// Quit tells the server to hang up, then closes.
func (c *Client) Quit() error {
	if err := c.w.Quit(); err != nil {
		c.nc.Close()
		return err
	}
	return c.nc.Close()
}

// Do sends one command and decodes the reply. -ERR replies surface as
// protocol.WireError.
func (c *Client) Do(args ...[]byte) (*protocol.Reply, error) {
	if err := c.w.Request(args...); err != nil {
		return nil, err
	}
	if err := c.w.Flush(); err != nil {
		return nil, err
	}
	return c.r.ReadReply()
}

func strArgs(ss ...string) [][]byte {
	out := make([][]byte, len(ss))
	for i, s := range ss {
		out[i] = []byte(s)
	}
	return out
}

func (c *Client) doStrings(ss ...string) (*protocol.Reply, error) {
	return c.Do(strArgs(ss...)...)
}

func okReply(rep *protocol.Reply) error {
	if rep.Kind != '+' {
		return fmt.Errorf("unexpected reply kind %q", rep.Kind)
	}
	return nil
}

func bulkReply(rep *protocol.Reply) ([]byte, error) {
	if rep.Kind != '$' {
		return nil, fmt.Errorf("unexpected reply kind %q", rep.Kind)
	}
	if rep.Null {
		return nil, nil
	}
	return rep.Bulk, nil
}

// Auth authenticates the connection.
func (c *Client) Auth(password string) error {
	rep, err := c.doStrings("auth", password, "plain")
	if err != nil {
		return err
	}
	return okReply(rep)
}

// Mtime returns the server's last-quote watermark.
func (c *Client) Mtime() (int64, error) {
	rep, err := c.doStrings("get_mtime")
	if err != nil {
		return 0, err
	}
	if rep.Kind != ':' {
		return 0, fmt.Errorf("unexpected reply kind %q", rep.Kind)
	}
	return rep.Int, nil
}

// Tick fetches the current tick for one symbol.
func (c *Client) Tick(symbol string) (store.Tick, error) {
	rep, err := c.doStrings("get_tick", symbol, "json")
	if err != nil {
		return nil, err
	}
	b, err := bulkReply(rep)
	if err != nil {
		return nil, err
	}
	var t store.Tick
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, err
	}
	return t, nil
}

// Ticks fetches the current ticks for the symbols that exist.
func (c *Client) Ticks(symbols ...string) (map[string]store.Tick, error) {
	args := append([]string{"get_ticks"}, symbols...)
	args = append(args, "json")
	rep, err := c.doStrings(args...)
	if err != nil {
		return nil, err
	}
	return decodeTickMap(rep)
}

// List fetches all ticks whose symbol starts with prefix; empty prefix
// returns everything.
func (c *Client) List(prefix string) (map[string]store.Tick, error) {
	rep, err := c.doStrings("get_list", prefix, "json")
	if err != nil {
		return nil, err
	}
	return decodeTickMap(rep)
}

func decodeTickMap(rep *protocol.Reply) (map[string]store.Tick, error) {
	b, err := bulkReply(rep)
	if err != nil {
		return nil, err
	}
	var out map[string]store.Tick
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Minute fetches the snapshot array for ts's trading day; ts zero means the
// server's current day.
func (c *Client) Minute(symbol string, ts int64) ([]store.MinuteSnap, error) {
	rep, err := c.doStrings("get_minute", symbol, strconv.FormatInt(ts, 10), "npy")
	if err != nil {
		return nil, err
	}
	b, err := bulkReply(rep)
	if err != nil {
		return nil, err
	}
	return codec.DecodeMinutes(b)
}

// OneMinute fetches the 1-minute bars for one yyyymmdd date.
func (c *Client) OneMinute(symbol, date string) ([]store.OHLC, error) {
	return c.bars("get_1minute", symbol, date)
}

// FiveMinute fetches the 5-minute bars for one yyyymmdd date.
func (c *Client) FiveMinute(symbol, date string) ([]store.OHLC, error) {
	return c.bars("get_5minute", symbol, date)
}

// Day fetches the daily row for one yyyymmdd date, as a one-row array.
func (c *Client) Day(symbol, date string) ([]store.OHLC, error) {
	return c.bars("get_day", symbol, date)
}

// RecentDays fetches the last n daily rows.
func (c *Client) RecentDays(symbol string, n int) ([]store.OHLC, error) {
	return c.bars("get_day", symbol, strconv.Itoa(n))
}

func (c *Client) bars(cmd, symbol, sel string) ([]store.OHLC, error) {
	rep, err := c.doStrings(cmd, symbol, sel, "npy")
	if err != nil {
		return nil, err
	}
	b, err := bulkReply(rep)
	if err != nil {
		return nil, err
	}
	return codec.DecodeOHLC(b)
}

// Dividends fetches the dividend rows for one symbol, empty when none.
func (c *Client) Dividends(symbol string) ([]store.Dividend, error) {
	rep, err := c.doStrings("get_dividend", symbol, "npy")
	if err != nil {
		return nil, err
	}
	b, err := bulkReply(rep)
	if err != nil {
		return nil, err
	}
	return codec.DecodeDividends(b)
}

// Sector fetches one sector's symbol mapping.
func (c *Client) Sector(name string) (map[string]string, error) {
	rep, err := c.doStrings("get_sector", name, "json")
	if err != nil {
		return nil, err
	}
	b, err := bulkReply(rep)
	if err != nil {
		return nil, err
	}
	var out map[string]string
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats fetches the server's per-command timing table.
func (c *Client) Stats() (map[string]MethodStats, error) {
	rep, err := c.doStrings("get_stats", "json")
	if err != nil {
		return nil, err
	}
	b, err := bulkReply(rep)
	if err != nil {
		return nil, err
	}
	var out map[string]MethodStats
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PutTicks pushes a tick batch.
func (c *Client) PutTicks(batch map[string]store.Tick) error {
	blob, err := codec.EncodeTicks(batch)
	if err != nil {
		return err
	}
	rep, err := c.Do([]byte("put_ticks"), blob, []byte("zip"))
	if err != nil {
		return err
	}
	return okReply(rep)
}

// PutTick pushes one tick.
func (c *Client) PutTick(symbol string, tick store.Tick) error {
	blob, err := codec.EncodeTick(tick)
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(tick.Timestamp(), 10)
	rep, err := c.Do([]byte("put_tick"), []byte(symbol), []byte(ts), blob, []byte("zip"))
	if err != nil {
		return err
	}
	return okReply(rep)
}

// PutMinute pushes snapshot rows, routed to the day of the first row.
func (c *Client) PutMinute(symbol string, rows []store.MinuteSnap) error {
	rep, err := c.Do([]byte("put_minute"), []byte(symbol), codec.EncodeMinutes(rows), []byte("npy"))
	if err != nil {
		return err
	}
	return okReply(rep)
}

// PutOneMinute pushes 1-minute bars.
func (c *Client) PutOneMinute(symbol string, rows []store.OHLC) error {
	return c.putBars("put_1minute", symbol, rows)
}

// PutFiveMinute pushes 5-minute bars.
func (c *Client) PutFiveMinute(symbol string, rows []store.OHLC) error {
	return c.putBars("put_5minute", symbol, rows)
}

// PutDay pushes daily rows.
func (c *Client) PutDay(symbol string, rows []store.OHLC) error {
	return c.putBars("put_day", symbol, rows)
}

func (c *Client) putBars(cmd, symbol string, rows []store.OHLC) error {
	rep, err := c.Do([]byte(cmd), []byte(symbol), codec.EncodeOHLC(rows), []byte("npy"))
	if err != nil {
		return err
	}
	return okReply(rep)
}

// PutMeta stores an opaque payload in the meta namespace.
func (c *Client) PutMeta(key string, payload []byte) error {
	rep, err := c.Do([]byte("put_meta"), []byte(key), payload, []byte("plain"))
	if err != nil {
		return err
	}
	return okReply(rep)
}

// PutDepth stores an opaque order-book payload.
func (c *Client) PutDepth(symbol string, ts int64, payload []byte) error {
	return c.putOpaque("put_depth", symbol, ts, payload)
}

// PutTrade stores an opaque trade payload.
func (c *Client) PutTrade(symbol string, ts int64, payload []byte) error {
	return c.putOpaque("put_trade", symbol, ts, payload)
}

func (c *Client) putOpaque(cmd, symbol string, ts int64, payload []byte) error {
	rep, err := c.Do([]byte(cmd), []byte(symbol), []byte(strconv.FormatInt(ts, 10)), payload, []byte("plain"))
	if err != nil {
		return err
	}
	return okReply(rep)
}

// MPutTrade pushes a batch of trade records.
func (c *Client) MPutTrade(batch map[string]store.Tick) error {
	blob, err := codec.EncodeTicks(batch)
	if err != nil {
		return err
	}
	rep, err := c.Do([]byte("mput_trade"), blob, []byte("zip"))
	if err != nil {
		return err
	}
	return okReply(rep)
}

// ArchiveMinute asks the server to run its minute-archive job now.
func (c *Client) ArchiveMinute() error {
	rep, err := c.doStrings("archive_minute")
	if err != nil {
		return err
	}
	return okReply(rep)
}

// ArchiveDay asks the server to run its day-archive job now.
func (c *Client) ArchiveDay() error {
	rep, err := c.doStrings("archive_day")
	if err != nil {
		return err
	}
	return okReply(rep)
}
