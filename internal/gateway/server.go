// Package gateway bridges one remote chat account to any number of local
// IRC client connections. The server owns the listener and the session
// set; each session runs the IRC protocol state machine for one
// connection; the router fans remote chat events out to every session.
package gateway

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"

	"github.com/davr/pickups/internal/ircmap"
	"github.com/davr/pickups/internal/remote"
)

// Remote is the handle the gateway holds on the bridged chat service.
// *remote.Client satisfies it; tests substitute a fake.
type Remote interface {
	Snapshot() remote.Snapshot
	Events() <-chan remote.ChatMessage
	Send(ctx context.Context, conversationID, text string) error
	Close() error
}

// ConnectFunc opens the remote session. It is called once from Start;
// an error is fatal and surfaces to the operator.
type ConnectFunc func(ctx context.Context) (Remote, error)

// Server accepts IRC connections and wires them to the remote session.
type Server struct {
	addr       string
	serverName string
	connect    ConnectFunc

	listener net.Listener
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.RWMutex
	sessions map[*Session]bool
	remote   Remote
	book     *remote.AddressBook
	// channels maps casefolded channel names to their conversations,
	// built once when the remote session authenticates.
	channels map[string]remote.Conversation
}

// New creates a Server. serverName is used as the prefix of every
// server-originated reply.
func New(addr, serverName string, connect ConnectFunc) *Server {
	return &Server{
		addr:       addr,
		serverName: serverName,
		connect:    connect,
		quit:       make(chan struct{}),
		sessions:   make(map[*Session]bool),
	}
}

// Start listens for IRC clients, opens the remote session, and blocks
// until Stop is called. Clients connecting before the remote session is
// ready are accepted but not welcomed; their registration completes once
// the address book is available. A rejected remote authentication is
// returned as a fatal error.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start IRC listener: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	log.Printf("IRC listener started on %s", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()

	log.Printf("Waiting for remote service to connect...")
	r, err := s.connect(context.Background())
	if err != nil {
		s.Stop()
		return fmt.Errorf("remote connect failed: %w", err)
	}
	if !s.becomeReady(r) {
		// Stop won the race against the remote handshake; it has already
		// finished waiting, so the session is ours to close.
		r.Close()
		return nil
	}
	log.Printf("Remote service connected. Connect your IRC clients!")

	<-s.quit
	return nil
}

// Stop shuts the gateway down: listener, remote session, and every
// client connection. Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)

		s.mu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		r := s.remote
		conns := make([]net.Conn, 0, len(s.sessions))
		for sess := range s.sessions {
			conns = append(conns, sess.conn)
		}
		s.mu.Unlock()

		if r != nil {
			r.Close()
		}
		for _, conn := range conns {
			conn.Close()
		}
	})
	s.wg.Wait()
}

// Addr returns the listener address, usable once Start has bound it.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// SessionCount returns the number of live client sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				log.Printf("Failed to accept connection: %v", err)
				continue
			}
		}
		s.accept(conn)
	}
}

// accept registers a new session and starts its read loop.
func (s *Server) accept(conn net.Conn) {
	sess := newSession(s, conn)

	s.mu.Lock()
	s.sessions[sess] = true
	s.mu.Unlock()

	log.Printf("New connection %s from %s", sess.id, conn.RemoteAddr())

	s.wg.Add(1)
	go s.handleSession(sess)
}

// handleSession runs one session to completion. The deferred cleanup is
// the only place a session is unregistered, so it runs exactly once per
// session however the read loop ended.
func (s *Server) handleSession(sess *Session) {
	defer s.wg.Done()
	defer s.dropSession(sess)
	sess.readLoop()
}

func (s *Server) dropSession(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()

	sess.conn.Close()
	log.Printf("Connection %s closed", sess.id)
}

// becomeReady installs the remote session and its snapshot, starts the
// event router, and sweeps sessions that were only waiting on the
// address book to register. It reports false when Stop already ran, in
// which case nothing is installed; holding the lock across the quit
// check and the WaitGroup add keeps the router out of reach of a Stop
// that has already finished waiting.
func (s *Server) becomeReady(r Remote) bool {
	book := remote.NewAddressBook(r.Snapshot())
	channels := make(map[string]remote.Conversation)
	for _, conv := range book.Conversations() {
		channels[strings.ToLower(ircmap.Channel(conv))] = conv
	}

	s.mu.Lock()
	select {
	case <-s.quit:
		s.mu.Unlock()
		return false
	default:
	}
	s.remote = r
	s.book = book
	s.channels = channels
	s.wg.Add(1)
	s.mu.Unlock()

	go s.routeEvents()

	for _, sess := range s.sessionList() {
		sess.maybeWelcome()
	}
	return true
}

// addressBook returns the snapshot caches, or nil before the remote
// session has authenticated.
func (s *Server) addressBook() *remote.AddressBook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.book
}

func (s *Server) remoteSession() Remote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remote
}

// conversationFor resolves a channel name to its conversation. Channel
// names compare case-insensitively; the index is keyed casefolded.
func (s *Server) conversationFor(channel string) (remote.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.channels[strings.ToLower(channel)]
	return conv, ok
}

func (s *Server) sessionList() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}
