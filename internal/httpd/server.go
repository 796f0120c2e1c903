// Package httpd implements the HTTP/1.x server: a non-blocking
// acceptor feeding a bounded connection queue, a worker pool that
// parses requests off the queue, and a response writer. TLS listeners
// differ only in the stream cookie wrapped around the accepted
// connection.
package httpd

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arborhs/arbor/internal/logging"
	"github.com/arborhs/arbor/internal/stream"
)

// Cannot dot-import logging here: its Config would collide with ours.

const (
	// acceptPollInterval bounds how long the acceptor blocks before
	// re-checking the stop flag.
	acceptPollInterval = 500 * time.Millisecond

	// workerPollInterval bounds how long a worker sleeps on an empty
	// queue before re-checking the stop flag.
	workerPollInterval = time.Millisecond

	// requestPatience is how long a worker waits for a connected
	// client to send its request line.
	requestPatience = 30 * time.Second
)

// HandlerFunc handles one parsed request. The handler writes the
// status line, headers, and body through w; the worker closes the
// connection afterwards (Connection: close semantics).
type HandlerFunc func(w *ResponseWriter, r *Request)

// Config describes one listener.
type Config struct {
	Port           uint16
	Threads        int
	MaxConnections int
	TLSCert        string
	TLSKey         string
	Handler        HandlerFunc
}

// Server is one listening port with its acceptor and worker pool.
type Server struct {
	cfg      Config
	listener net.Listener
	tlsConf  *tls.Config

	queue   chan net.Conn
	stopped int32
	wg      sync.WaitGroup
}

// NewServer creates a server for one listener record. Start begins
// serving.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Handler == nil {
		return nil, fmt.Errorf("httpd: no handler configured")
	}
	if cfg.Threads <= 0 {
		cfg.Threads = 4
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 32
	}

	s := &Server{
		cfg:   cfg,
		queue: make(chan net.Conn, cfg.MaxConnections),
	}

	if cfg.TLSCert != "" || cfg.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("httpd: failed to load TLS keypair: %w", err)
		}
		s.tlsConf = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	return s, nil
}

// Start binds the port and spawns the acceptor and worker pool.
func (s *Server) Start() error {
	lc := net.ListenConfig{Control: reusePort}
	ln, err := listen(lc, fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("httpd: listen failed on port %d: %w", s.cfg.Port, err)
	}
	s.listener = ln

	logging.L_info("httpd: listening", "port", s.cfg.Port, "threads", s.cfg.Threads,
		"maxConnections", s.cfg.MaxConnections, "tls", s.tlsConf != nil)

	for i := 0; i < s.cfg.Threads; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.wg.Add(1)
	go s.acceptor()
	return nil
}

// Stop signals the acceptor and workers and waits for them to drain
// the queue and return.
func (s *Server) Stop() {
	if !atomic.CompareAndSwapInt32(&s.stopped, 0, 1) {
		return
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()

	// The acceptor may queue a connection after the workers have
	// already drained and returned; nothing will serve it now.
	for {
		select {
		case conn := <-s.queue:
			conn.Close()
		default:
			logging.L_info("httpd: stopped", "port", s.cfg.Port)
			return
		}
	}
}

func (s *Server) stopRequested() bool {
	return atomic.LoadInt32(&s.stopped) == 1
}

// Port returns the bound port. Useful when the config asked for :0.
func (s *Server) Port() uint16 {
	if s.listener == nil {
		return s.cfg.Port
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return uint16(addr.Port)
	}
	return s.cfg.Port
}

// acceptor accepts connections into the bounded queue. When the queue
// is full it stops accepting; the kernel backlog rejects the overflow.
func (s *Server) acceptor() {
	defer s.wg.Done()

	for !s.stopRequested() {
		if len(s.queue) >= cap(s.queue) {
			// Queue full; leave the client in the backlog
			time.Sleep(acceptPollInterval)
			continue
		}

		if tcp, ok := s.listener.(*net.TCPListener); ok {
			tcp.SetDeadline(time.Now().Add(acceptPollInterval))
		}
		conn, err := s.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if s.stopRequested() {
				return
			}
			logging.L_warn("httpd: accept failed", "error", err)
			continue
		}

		if s.tlsConf != nil {
			conn = tls.Server(conn, s.tlsConf)
		}
		s.queue <- conn
	}
}

// worker consumes connections from the queue. On shutdown it drains
// whatever is left, closing each connection unserved.
func (s *Server) worker() {
	defer s.wg.Done()

	for {
		if s.stopRequested() {
			for {
				select {
				case conn := <-s.queue:
					conn.Close()
				default:
					return
				}
			}
		}
		select {
		case conn := <-s.queue:
			s.serve(conn)
		default:
			time.Sleep(workerPollInterval)
		}
	}
}

// serve parses one request off the connection, runs the handler, and
// closes the stream.
func (s *Server) serve(conn net.Conn) {
	st := stream.NewConn(conn)
	defer st.Close()

	// Some clients connect and pause before sending the request line
	st.SetReadDeadline(time.Now().Add(requestPatience))

	req, status := parseRequest(st)
	w := NewResponseWriter(st, "HTTP/1.1")
	if req != nil {
		w.proto = req.Proto
	}

	if status != 0 {
		if status == statusGiveUp {
			logging.L_debug("httpd: client sent no request", "remote", conn.RemoteAddr())
			return
		}
		logging.L_debug("httpd: malformed request", "remote", conn.RemoteAddr(), "status", status)
		w.WriteStatus(status)
		w.Header("Connection", "close")
		w.Header("Content-Length", "0")
		w.SendHeaders()
		return
	}

	req.RemoteAddr = conn.RemoteAddr().String()
	st.SetReadDeadline(time.Time{})
	s.cfg.Handler(w, req)
}

// Serve runs the handler for a single already-accepted connection.
// Exposed for tests that drive the parser without a listener.
func (s *Server) Serve(conn net.Conn) {
	s.serve(conn)
}
