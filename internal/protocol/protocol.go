// Package protocol implements the wire framing: requests arrive as arrays
// of bulk strings, replies are status, error, integer or bulk payloads. The
// framing is binary safe; only the outer structure is interpreted here.
package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// MaxArgs bounds the argument count of one request.
	MaxArgs = 8192
	// MaxBulk bounds one argument's payload. Tick batches arrive as a
	// single compressed argument, so this is generous.
	MaxBulk = 64 << 20
)

// ErrQuit reports the plain-text quit line a client sends to hang up.
var ErrQuit = errors.New("client quit")

// ErrBadFrame reports a request whose outer framing cannot be parsed. The
// connection is unrecoverable after it.
var ErrBadFrame = errors.New("bad request framing")

// Request is one decoded command frame.
type Request struct {
	Args [][]byte
}

// Command returns the lower-cased command word.
func (r *Request) Command() string {
	return strings.ToLower(string(r.Args[0]))
}

// String returns argument i as a string, empty when absent.
func (r *Request) String(i int) string {
	if i < 0 || i >= len(r.Args) {
		return ""
	}
	return string(r.Args[i])
}

// Bytes returns argument i raw, nil when absent.
func (r *Request) Bytes(i int) []byte {
	if i < 0 || i >= len(r.Args) {
		return nil
	}
	return r.Args[i]
}

// NArgs returns the argument count including the command word.
func (r *Request) NArgs() int { return len(r.Args) }

// Reader decodes request frames from one connection.
type Reader struct {
	br *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Read decodes the next request. It returns ErrQuit on the bare quit line,
// ErrBadFrame when the header is not an array, and io errors verbatim.
func (r *Reader) Read() (*Request, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	if bytes.EqualFold(line, []byte("quit")) {
		return nil, ErrQuit
	}
	if len(line) == 0 || line[0] != '*' {
		return nil, fmt.Errorf("header %q: %w", line, ErrBadFrame)
	}
	n, err := strconv.Atoi(string(line[1:]))
	if err != nil || n <= 0 || n > MaxArgs {
		return nil, fmt.Errorf("argument count %q: %w", line[1:], ErrBadFrame)
	}
	args := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		arg, err := r.readBulk()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return &Request{Args: args}, nil
}

func (r *Reader) readBulk() ([]byte, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != '$' {
		return nil, fmt.Errorf("bulk header %q: %w", line, ErrBadFrame)
	}
	n, err := strconv.Atoi(string(line[1:]))
	if err != nil || n < 0 || n > MaxBulk {
		return nil, fmt.Errorf("bulk length %q: %w", line[1:], ErrBadFrame)
	}
	buf := make([]byte, n+2)
	if _, err := io.ReadFull(r.br, buf); err != nil {
		return nil, err
	}
	if buf[n] != '\r' || buf[n+1] != '\n' {
		return nil, fmt.Errorf("bulk unterminated: %w", ErrBadFrame)
	}
	return buf[:n], nil
}

// readLine reads a CRLF line, tolerating a bare LF, without the terminator.
func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	line = line[:len(line)-1]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, nil
}

// Reply is one decoded server reply.
type Reply struct {
	// Kind is the reply marker: '+', '-', ':', '$' or '*'.
	Kind   byte
	Status string
	Int    int64
	Bulk   []byte
	// Null marks $-1 and *-1 replies.
	Null bool
}

// WireError is the message of an -ERR reply, surfaced client side.
type WireError string

func (e WireError) Error() string { return string(e) }

// ReadReply decodes the next reply. -ERR replies come back as a *Reply with
// Kind '-' plus a WireError, so callers can branch on either.
func (r *Reader) ReadReply() (*Reply, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	if len(line) == 0 {
		return nil, fmt.Errorf("empty reply line: %w", ErrBadFrame)
	}
	body := string(line[1:])
	switch line[0] {
	case '+':
		return &Reply{Kind: '+', Status: body}, nil
	case '-':
		msg := strings.TrimPrefix(body, "ERR ")
		return &Reply{Kind: '-', Status: msg}, WireError(msg)
	case ':':
		n, err := strconv.ParseInt(body, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("integer reply %q: %w", body, ErrBadFrame)
		}
		return &Reply{Kind: ':', Int: n}, nil
	case '$':
		n, err := strconv.Atoi(body)
		if err != nil || n > MaxBulk {
			return nil, fmt.Errorf("bulk length %q: %w", body, ErrBadFrame)
		}
		if n < 0 {
			return &Reply{Kind: '$', Null: true}, nil
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(r.br, buf); err != nil {
			return nil, err
		}
		if buf[n] != '\r' || buf[n+1] != '\n' {
			return nil, fmt.Errorf("bulk unterminated: %w", ErrBadFrame)
		}
		return &Reply{Kind: '$', Bulk: buf[:n]}, nil
	case '*':
		n, err := strconv.Atoi(body)
		if err != nil || n >= 0 {
			return nil, fmt.Errorf("array reply %q unsupported: %w", body, ErrBadFrame)
		}
		return &Reply{Kind: '*', Null: true}, nil
	}
	return nil, fmt.Errorf("reply marker %q: %w", line[0], ErrBadFrame)
}

// Writer encodes requests on the client side and replies on the server
// side. Output buffers until Flush.
type Writer struct {
	bw *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriter(w)}
}

// Request writes one command frame.
func (w *Writer) Request(args ...[]byte) error {
	if len(args) == 0 {
		return fmt.Errorf("request needs a command: %w", ErrBadFrame)
	}
	w.bw.WriteByte('*')
	w.bw.WriteString(strconv.Itoa(len(args)))
	w.bw.WriteString("\r\n")
	for _, a := range args {
		w.bw.WriteByte('$')
		w.bw.WriteString(strconv.Itoa(len(a)))
		w.bw.WriteString("\r\n")
		w.bw.Write(a)
		w.bw.WriteString("\r\n")
	}
	return w.bw.Flush()
}

// Quit writes the bare quit line.
func (w *Writer) Quit() error {
	_, err := w.bw.WriteString("quit\r\n")
	if err != nil {
		return err
	}
	return w.bw.Flush()
}

// Status writes a +status line.
func (w *Writer) Status(s string) error {
	w.bw.WriteByte('+')
	w.bw.WriteString(s)
	_, err := w.bw.WriteString("\r\n")
	return err
}

// OK writes +OK.
func (w *Writer) OK() error { return w.Status("OK") }

// Error writes an -ERR line with the given message.
func (w *Writer) Error(msg string) error {
	w.bw.WriteString("-ERR ")
	w.bw.WriteString(msg)
	_, err := w.bw.WriteString("\r\n")
	return err
}

// Int writes an integer reply.
func (w *Writer) Int(n int64) error {
	w.bw.WriteByte(':')
	w.bw.WriteString(strconv.FormatInt(n, 10))
	_, err := w.bw.WriteString("\r\n")
	return err
}

// Bulk writes a binary-safe bulk reply.
func (w *Writer) Bulk(b []byte) error {
	w.bw.WriteByte('$')
	w.bw.WriteString(strconv.Itoa(len(b)))
	w.bw.WriteString("\r\n")
	w.bw.Write(b)
	_, err := w.bw.WriteString("\r\n")
	return err
}

// NullBulk writes the $-1 marker for an absent value.
func (w *Writer) NullBulk() error {
	_, err := w.bw.WriteString("$-1\r\n")
	return err
}

// NullArray writes the *-1 marker for an absent array.
func (w *Writer) NullArray() error {
	_, err := w.bw.WriteString("*-1\r\n")
	return err
}

// Flush pushes buffered replies to the connection.
func (w *Writer) Flush() error { return w.bw.Flush() }
