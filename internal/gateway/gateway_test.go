package gateway_test

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"gopkg.in/irc.v3"

	"github.com/davr/pickups/internal/gateway"
	"github.com/davr/pickups/internal/remote"
)

// Fixture identities. "Bob Bridge" is the bridged account; its canonical
// nickname is Bob_Bridge.
var (
	selfUser  = remote.Identity{ID: "self-1", Name: "Bob Bridge"}
	aliceUser = remote.Identity{ID: "user-alice", Name: "Alice Author"}
	carolUser = remote.Identity{ID: "user-carol", Name: "Carol Chat"}
)

// testSnapshot has one bridgeable group conversation and one direct
// conversation that must never be bridged.
func testSnapshot() remote.Snapshot {
	return remote.Snapshot{
		Self:  selfUser,
		Users: []remote.Identity{aliceUser, carolUser},
		Conversations: []remote.Conversation{
			{
				ID:      "conv-big",
				Name:    "the gang",
				Members: []remote.Identity{selfUser, aliceUser, carolUser},
			},
			{
				ID:      "conv-dm",
				Name:    "just us",
				Members: []remote.Identity{selfUser, aliceUser},
			},
		},
		ResumeToken: "resume-1",
	}
}

type sentMessage struct {
	conversationID string
	text           string
}

// fakeRemote satisfies gateway.Remote for tests: events are injected by
// pushing to the events channel, sends are recorded.
type fakeRemote struct {
	snap   remote.Snapshot
	events chan remote.ChatMessage

	mu       sync.Mutex
	sent     []sentMessage
	attempts int
	sendErr  error

	closeOnce sync.Once
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		snap:   testSnapshot(),
		events: make(chan remote.ChatMessage, 16),
	}
}

func (f *fakeRemote) Snapshot() remote.Snapshot         { return f.snap }
func (f *fakeRemote) Events() <-chan remote.ChatMessage { return f.events }

// Emit injects one event as if the remote stream produced it.
func (f *fakeRemote) Emit(ev remote.ChatMessage) { f.events <- ev }

func (f *fakeRemote) Send(ctx context.Context, conversationID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{conversationID: conversationID, text: text})
	return nil
}

// failSends makes every subsequent Send return err.
func (f *fakeRemote) failSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeRemote) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// SendAttempts counts Send calls, including failed ones.
func (f *fakeRemote) SendAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *fakeRemote) Close() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

// startServer starts a gateway on a free port whose remote connect
// succeeds immediately, and waits until it is ready.
func startServer(t *testing.T, f *fakeRemote) *gateway.Server {
	t.Helper()
	srv := gateway.New("127.0.0.1:0", "irc.test", func(ctx context.Context) (gateway.Remote, error) {
		return f, nil
	})
	go func() {
		_ = srv.Start()
	}()
	t.Cleanup(srv.Stop)
	waitForAddr(t, srv)
	return srv
}

// startBlockedServer starts a gateway whose remote connect blocks until
// the returned release function is called.
func startBlockedServer(t *testing.T, f *fakeRemote) (*gateway.Server, func()) {
	t.Helper()
	gate := make(chan struct{})
	srv := gateway.New("127.0.0.1:0", "irc.test", func(ctx context.Context) (gateway.Remote, error) {
		<-gate
		return f, nil
	})
	go func() {
		_ = srv.Start()
	}()
	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(func() {
		release()
		srv.Stop()
	})
	waitForAddr(t, srv)
	return srv, release
}

func waitForAddr(t *testing.T, srv *gateway.Server) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ircClient is a raw line-based test client.
type ircClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialClient(t *testing.T, srv *gateway.Server) *ircClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("Failed to connect to gateway: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &ircClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *ircClient) sendLine(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		c.t.Fatalf("Failed to send %q: %v", line, err)
	}
}

// readMessage reads and parses the next server line.
func (c *ircClient) readMessage() *irc.Message {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("Failed to read line: %v", err)
	}
	msg, err := irc.ParseMessage(trimCRLF(line))
	if err != nil {
		c.t.Fatalf("Failed to parse line %q: %v", line, err)
	}
	return msg
}

// expect reads lines until one with the wanted command arrives, failing
// on timeout.
func (c *ircClient) expect(command string) *irc.Message {
	c.t.Helper()
	for {
		msg := c.readMessage()
		if msg.Command == command {
			return msg
		}
	}
}

// expectNothing asserts that no line arrives for a short window.
func (c *ircClient) expectNothing() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	line, err := c.reader.ReadString('\n')
	if err == nil {
		c.t.Fatalf("Expected no line, got %q", trimCRLF(line))
	}
	if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		c.t.Fatalf("Expected read timeout, got %v", err)
	}
}

// register performs NICK/USER and consumes the welcome sequence,
// returning the canonical nickname the gateway assigned.
func (c *ircClient) register() string {
	c.t.Helper()
	c.sendLine("NICK bob")
	c.sendLine("USER bob 0 * :Bob")
	forced := c.expect("NICK")
	c.expect(irc.RPL_MYINFO)
	if len(forced.Params) == 0 {
		c.t.Fatal("Forced NICK carried no new nickname")
	}
	return forced.Params[len(forced.Params)-1]
}

func trimCRLF(line string) string {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

// waitFor polls a condition until it holds or the deadline expires.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitForSessionCount(t *testing.T, srv *gateway.Server, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for srv.SessionCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Session count = %d, want %d", srv.SessionCount(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
