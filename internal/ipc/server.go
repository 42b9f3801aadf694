package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"keymapd/internal/broadcast"
	"keymapd/internal/logging"
)

// Daemon is the surface the IPC server exposes to clients. Implemented by
// the daemon's control layer; narrow so tests can stub it.
type Daemon interface {
	Status() StatusResponse
	ListProfiles() ([]ProfileInfo, error)
	ActivateProfile(name string) (digest string, err error)
	ReloadProfile() (digest string, err error)
	History(limit int) ([]HistoryEntry, error)
	DetachDevice(device string) error
	Subscribe() (<-chan broadcast.Notification, func())
}

// ServerConfig holds the server's tunables.
type ServerConfig struct {
	SocketPath     string
	MaxConnections int
	RequestTimeout time.Duration
}

// Server accepts control connections on a unix socket.
type Server struct {
	cfg    ServerConfig
	daemon Daemon
	log    *logging.Logger

	listener net.Listener
	conns    chan struct{}

	mu      sync.Mutex
	closed  bool
	active  map[net.Conn]struct{}
	wg      sync.WaitGroup
}

// NewServer creates a server; Start begins accepting.
func NewServer(cfg ServerConfig, daemon Daemon, log *logging.Logger) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 8
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if log == nil {
		log = logging.Default()
	}
	return &Server{
		cfg:    cfg,
		daemon: daemon,
		log:    log.WithComponent("ipc"),
		conns:  make(chan struct{}, cfg.MaxConnections),
		active: make(map[net.Conn]struct{}),
	}
}

// Start binds the socket and begins accepting connections. A stale socket
// file from a dead daemon is removed first; a live one fails the bind.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o750); err != nil {
		return fmt.Errorf("ipc: create socket dir: %w", err)
	}

	if _, err := os.Stat(s.cfg.SocketPath); err == nil {
		if conn, err := net.DialTimeout("unix", s.cfg.SocketPath, time.Second); err == nil {
			conn.Close()
			return fmt.Errorf("ipc: socket %s is in use by another daemon", s.cfg.SocketPath)
		}
		os.Remove(s.cfg.SocketPath)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("ipc: listen: %w", err)
	}
	// Same-user access only.
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("ipc: chmod socket: %w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("listening", "socket", s.cfg.SocketPath)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		select {
		case s.conns <- struct{}{}:
		default:
			s.log.Warn("connection limit reached, rejecting client")
			conn.Close()
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			<-s.conns
			return
		}
		s.active[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.active, conn)
				s.mu.Unlock()
				conn.Close()
				<-s.conns
			}()
			s.serveConn(conn)
		}()
	}
}

// connWriter serializes frame writes so event streaming and responses do
// not interleave on the wire.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *connWriter) send(m *Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return m.Write(w.conn)
}

func (s *Server) serveConn(conn net.Conn) {
	w := &connWriter{conn: conn}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("read failed", "error", err)
			}
			return
		}

		resp := s.handle(ctx, w, msg)
		if resp == nil {
			continue
		}
		if err := w.send(resp); err != nil {
			s.log.Debug("write failed", "error", err)
			return
		}
		if msg.Header.Type == MsgShutdown {
			return
		}
	}
}

// Close stops accepting and tears down live connections.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for conn := range s.active {
		conn.Close()
	}
	s.mu.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	os.Remove(s.cfg.SocketPath)
	return err
}
