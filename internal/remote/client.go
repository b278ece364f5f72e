package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// handshakeTimeout bounds how long we wait for the connect reply.
const handshakeTimeout = 10 * time.Second

// Credentials holds what is needed to authenticate with the remote
// service. Obtaining and storing the token is the operator's concern.
type Credentials struct {
	Endpoint string // websocket URL, e.g. "ws://localhost:9090"
	Token    string
}

// Client is an authenticated connection to the remote service. It exposes
// the snapshot captured at connect time, an ordered event stream, and a
// best-effort send operation.
type Client struct {
	conn net.Conn
	snap Snapshot

	events chan ChatMessage

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Connect dials the remote service and authenticates. It fails with an
// error when the endpoint is unreachable or the token is rejected; there
// is no automatic retry.
func Connect(ctx context.Context, creds Credentials) (*Client, error) {
	conn, _, _, err := ws.Dial(ctx, creds.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to dial remote service: %w", err)
	}

	req, err := json.Marshal(frame{Type: frameConnect, Token: creds.Token})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to encode connect frame: %w", err)
	}
	if err := wsutil.WriteClientText(conn, req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send connect frame: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read connect reply: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	var reply frame
	if err := json.Unmarshal(data, &reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to decode connect reply: %w", err)
	}

	switch reply.Type {
	case frameConnected:
		if reply.Snapshot == nil {
			conn.Close()
			return nil, fmt.Errorf("connect reply carried no snapshot")
		}
	case frameError:
		conn.Close()
		return nil, fmt.Errorf("remote service rejected credentials: %s", reply.Reason)
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected connect reply type %q", reply.Type)
	}

	c := &Client{
		conn:   conn,
		snap:   *reply.Snapshot,
		events: make(chan ChatMessage, 64),
	}

	go c.readLoop()

	return c, nil
}

// Snapshot returns the initial state captured when the connection
// authenticated.
func (c *Client) Snapshot() Snapshot {
	return c.snap
}

// Events returns the stream of chat events. Events are delivered in the
// order the remote service produced them. The channel is closed when the
// connection ends.
func (c *Client) Events() <-chan ChatMessage {
	return c.events
}

// Send relays a message into a conversation. Delivery is best effort;
// the remote service does not acknowledge individual sends.
func (c *Client) Send(ctx context.Context, conversationID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(frame{
		Type:           frameSend,
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Text:           text,
	})
	if err != nil {
		return fmt.Errorf("failed to encode send frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := wsutil.WriteClientText(c.conn, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Close tears down the connection. The event channel is closed once the
// read loop observes the closed socket.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// readLoop decodes incoming frames and forwards chat events, in order,
// to the events channel.
func (c *Client) readLoop() {
	defer close(c.events)

	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Printf("Failed to decode remote frame: %v", err)
			continue
		}

		switch f.Type {
		case frameEvent:
			if f.Event != nil {
				c.events <- *f.Event
			}
		default:
			// Unknown frame types are skipped for forward compatibility.
		}
	}
}
