package ipc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler processes one command and returns its reply. Handlers run on the
// acceptor goroutine; long work should be queued and acknowledged with
// StatusQueued instead of blocking here.
type Handler func(Request) Reply

// Server accepts one client at a time on a unix-domain socket: accept, read
// a single request, reply, close, loop.
type Server struct {
	path    string
	handler Handler
	log     zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool

	ioTimeout time.Duration
	wg        sync.WaitGroup
}

// NewServer creates the server for the given socket path.
func NewServer(path string, handler Handler, log zerolog.Logger) *Server {
	return &Server{
		path:      path,
		handler:   handler,
		log:       log.With().Str("component", "ipc").Logger(),
		ioTimeout: 10 * time.Second,
	}
}

// Start binds the socket and launches the accept loop. A stale socket file
// from a previous run is removed first. The socket is opened to all local
// users.
func (s *Server) Start() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket %s: %w", s.path, err)
	}
	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o666); err != nil {
		listener.Close()
		return fmt.Errorf("failed to chmod socket: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(listener)
	s.log.Info().Str("path", s.path).Msg("IPC server listening")
	return nil
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.log.Warn().Err(err).Msg("IPC accept failed")
			continue
		}
		s.serveConn(conn)
	}
}

// serveConn reads one request, writes one reply, closes. Malformed frames
// are dropped without a reply since the request id is unknown.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(s.ioTimeout))

	var req Request
	if err := readFrame(conn, &req); err != nil {
		if !errors.Is(err, io.EOF) {
			s.log.Warn().Err(err).Msg("IPC request read failed")
		}
		return
	}

	reply := s.handle(req)
	if err := writeFrame(conn, reply); err != nil {
		s.log.Warn().Err(err).Str("type", req.Type).Msg("IPC reply write failed")
		return
	}
	s.log.Debug().Str("type", req.Type).Str("request_id", req.RequestID).
		Str("status", reply.Status).Msg("IPC request served")
}

func (s *Server) handle(req Request) (reply Reply) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error().Interface("panic", p).Str("type", req.Type).Msg("IPC handler panicked")
			reply = Errorf(req, "internal error handling %s", req.Type)
		}
	}()
	return s.handler(req)
}

// Stop closes the listener and removes the socket file.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.path)
	s.log.Info().Msg("IPC server stopped")
}
