// Package stream provides buffered byte streams over files, sockets,
// and TLS connections. A Stream wraps any io.ReadWriteCloser cookie
// with a read buffer, a write buffer, and an unbounded pushback stack
// for look-ahead parsing.
package stream

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
)

// BufferSize is the size of the read and write buffers.
const BufferSize = 4096

var (
	// ErrWouldBlock indicates a transient read/write failure. The caller
	// may clear the stream error and retry.
	ErrWouldBlock = errors.New("stream: operation would block")

	// ErrClosed indicates the stream has been closed.
	ErrClosed = errors.New("stream: closed")
)

// Stream is a buffered byte stream over an arbitrary cookie.
type Stream struct {
	cookie io.ReadWriteCloser

	rbuf []byte
	rpos int
	rlen int

	wbuf []byte
	wlen int

	// LIFO pushback stack, no fixed bound
	pushback []byte

	// Sticky error from the last failed operation; cleared with ClearError
	err error

	isTerm bool
	closed bool
}

// New creates a stream over an arbitrary cookie.
func New(cookie io.ReadWriteCloser) *Stream {
	return &Stream{
		cookie: cookie,
		rbuf:   make([]byte, BufferSize),
		wbuf:   make([]byte, BufferSize),
	}
}

// NewFile creates a stream over an open file. Terminal detection
// enables line-buffered writes (flush on newline).
func NewFile(f *os.File) *Stream {
	s := New(f)
	s.isTerm = isatty.IsTerminal(f.Fd())
	return s
}

// NewConn creates a stream over a network connection. TLS connections
// are just another cookie; crypto/tls surfaces its handshake and
// renegotiation states as ordinary read/write results.
func NewConn(c net.Conn) *Stream {
	return New(c)
}

// readOnlyCookie adapts a plain reader to the cookie contract.
type readOnlyCookie struct {
	io.Reader
}

func (readOnlyCookie) Write(p []byte) (int, error) { return 0, ErrClosed }
func (readOnlyCookie) Close() error                { return nil }

// NewReader creates a read-only stream over a plain reader. Writes fail
// with ErrClosed.
func NewReader(r io.Reader) *Stream {
	return New(readOnlyCookie{r})
}

// Error returns the stream's sticky error, or nil.
func (s *Stream) Error() error {
	return s.err
}

// ClearError clears the sticky error so the caller can retry after a
// transient failure.
func (s *Stream) ClearError() {
	s.err = nil
}

// retryable reports whether err is a transient condition worth
// retrying: deadline expiry, EAGAIN/EWOULDBLOCK, or EINTR. TLS
// want-read/want-write surfaces through the net.Conn deadline path.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EWOULDBLOCK) ||
		errors.Is(err, syscall.EINTR) ||
		os.IsTimeout(err)
}

// ReadByte returns the next byte from the stream. io.EOF marks the end
// of the stream. A transient failure returns ErrWouldBlock and sets the
// sticky error; ClearError allows a retry.
func (s *Stream) ReadByte() (byte, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if n := len(s.pushback); n > 0 {
		b := s.pushback[n-1]
		s.pushback = s.pushback[:n-1]
		return b, nil
	}
	if s.rpos >= s.rlen {
		n, err := s.cookie.Read(s.rbuf)
		if n == 0 {
			if err == nil || err == io.EOF {
				return 0, io.EOF
			}
			if retryable(err) {
				s.err = ErrWouldBlock
				return 0, ErrWouldBlock
			}
			s.err = err
			return 0, err
		}
		s.rpos = 0
		s.rlen = n
	}
	b := s.rbuf[s.rpos]
	s.rpos++
	return b, nil
}

// UnreadByte pushes a byte back onto the stream in LIFO order. There is
// no bound on the pushback depth.
func (s *Stream) UnreadByte(b byte) {
	s.pushback = append(s.pushback, b)
}

// Read implements io.Reader, draining the pushback stack and the read
// buffer before touching the cookie.
func (s *Stream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	n := 0
	for n < len(p) && len(s.pushback) > 0 {
		last := len(s.pushback) - 1
		p[n] = s.pushback[last]
		s.pushback = s.pushback[:last]
		n++
	}
	if n > 0 {
		return n, nil
	}
	if s.rpos < s.rlen {
		n = copy(p, s.rbuf[s.rpos:s.rlen])
		s.rpos += n
		return n, nil
	}
	n, err := s.cookie.Read(p)
	if err != nil && n == 0 && retryable(err) {
		s.err = ErrWouldBlock
		return 0, ErrWouldBlock
	}
	return n, err
}

// WriteByte buffers one byte, flushing when the buffer fills. When the
// cookie is a terminal, a newline also triggers a flush.
func (s *Stream) WriteByte(b byte) error {
	if s.closed {
		return ErrClosed
	}
	s.wbuf[s.wlen] = b
	s.wlen++
	if s.wlen == len(s.wbuf) || (s.isTerm && b == '\n') {
		return s.Flush()
	}
	return nil
}

// Write implements io.Writer through the write buffer.
func (s *Stream) Write(p []byte) (int, error) {
	for i, b := range p {
		if err := s.WriteByte(b); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

// WriteString writes a string through the write buffer.
func (s *Stream) WriteString(str string) (int, error) {
	return s.Write([]byte(str))
}

// Printf renders into a temporary buffer and then writes through the
// stream so the buffering discipline is preserved.
func (s *Stream) Printf(format string, args ...interface{}) (int, error) {
	return s.WriteString(fmt.Sprintf(format, args...))
}

// Flush writes out any buffered bytes.
func (s *Stream) Flush() error {
	if s.wlen == 0 {
		return nil
	}
	off := 0
	for off < s.wlen {
		n, err := s.cookie.Write(s.wbuf[off:s.wlen])
		off += n
		if err != nil {
			if retryable(err) {
				// Keep the unwritten tail for a later flush
				copy(s.wbuf, s.wbuf[off:s.wlen])
				s.wlen -= off
				s.err = ErrWouldBlock
				return ErrWouldBlock
			}
			s.wlen = 0
			s.err = err
			return err
		}
	}
	s.wlen = 0
	return nil
}

// Close flushes the write buffer and releases the cookie. A failed
// flush propagates as the close result, but the cookie is closed
// regardless.
func (s *Stream) Close() error {
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	ferr := s.Flush()
	cerr := s.cookie.Close()
	if ferr != nil && ferr != ErrClosed {
		return ferr
	}
	return cerr
}

// SetReadDeadline sets the read deadline when the cookie is a network
// connection. A zero time clears the deadline.
func (s *Stream) SetReadDeadline(t time.Time) error {
	if c, ok := s.cookie.(net.Conn); ok {
		return c.SetReadDeadline(t)
	}
	return nil
}
