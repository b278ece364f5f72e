package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/irc.v3"

	"github.com/davr/pickups/internal/ircmap"
)

// errQuit signals a client-initiated QUIT to the read loop.
var errQuit = errors.New("client quit")

// echoKey identifies a locally-sent message awaiting its reflection from
// the remote event stream. The channel is casefolded; IRC channel names
// are case-insensitive.
type echoKey struct {
	channel string
	text    string
}

// Session is the per-connection IRC protocol state machine. It parses
// line-delimited commands from one client and tracks that client's
// registration progress, joined channels, and pending self-echoes.
type Session struct {
	srv    *Server
	id     string
	conn   net.Conn
	reader *bufio.Reader

	// writeMu serializes writes from the read loop and the event router.
	writeMu sync.Mutex

	mu       sync.Mutex
	nickname string
	username string
	welcomed bool
	// channels holds casefolded names of channels the client is in.
	channels map[string]bool
	// pendingEcho counts locally-sent messages not yet reflected by the
	// remote stream. Each entry suppresses at most one reflection.
	pendingEcho map[echoKey]int
}

func newSession(srv *Server, conn net.Conn) *Session {
	return &Session{
		srv:         srv,
		id:          uuid.NewString(),
		conn:        conn,
		reader:      bufio.NewReader(conn),
		channels:    make(map[string]bool),
		pendingEcho: make(map[echoKey]int),
	}
}

// readLoop processes lines until the connection ends or the client
// quits. The caller runs the session cleanup when it returns.
func (c *Session) readLoop() {
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return
		}

		// Decode permissively: strip the terminator and any bytes that
		// are not valid UTF-8.
		line = strings.ToValidUTF8(strings.TrimRight(line, "\r\n"), "")
		if line == "" {
			continue
		}

		if err := c.handleLine(line); err != nil {
			return
		}
		c.maybeWelcome()
	}
}

// handleLine dispatches one command. Malformed and unrecognized lines
// are dropped without an error reply so extension commands from newer
// clients pass through harmlessly.
func (c *Session) handleLine(line string) error {
	msg, err := irc.ParseMessage(line)
	if err != nil {
		return nil
	}

	switch strings.ToUpper(msg.Command) {
	case "NICK":
		if len(msg.Params) > 0 {
			c.mu.Lock()
			if !c.welcomed {
				c.nickname = msg.Params[0]
			}
			c.mu.Unlock()
		}
	case "USER":
		if len(msg.Params) > 0 {
			c.mu.Lock()
			c.username = msg.Params[0]
			c.mu.Unlock()
		}
	case "JOIN":
		c.handleJoin(msg)
	case "PRIVMSG":
		c.handlePrivmsg(msg)
	case "PING":
		c.handlePing(msg)
	case "QUIT":
		return errQuit
	default:
		log.Printf("Ignoring command %q from connection %s", msg.Command, c.id)
	}
	return nil
}

// maybeWelcome fires the one-shot registration sequence once the client
// has declared both a nickname and a username and the gateway knows the
// bridged account's identity. The client's proposed nickname is
// overridden with the canonical one; the remote display name is
// authoritative.
func (c *Session) maybeWelcome() {
	book := c.srv.addressBook()
	if book == nil {
		return
	}

	c.mu.Lock()
	if c.welcomed || c.nickname == "" || c.username == "" {
		c.mu.Unlock()
		return
	}
	c.welcomed = true
	proposed := c.nickname
	canonical := ircmap.Nick(book.Self())
	c.nickname = canonical
	c.mu.Unlock()

	c.send(&irc.Message{
		Prefix:  &irc.Prefix{Name: proposed},
		Command: "NICK",
		Params:  []string{canonical},
	})
	c.sendNumeric(irc.RPL_WELCOME, fmt.Sprintf("Welcome to pickups, %s", canonical))
	c.sendNumeric(irc.RPL_YOURHOST, fmt.Sprintf("Your host is %s, bridging your chat account", c.srv.serverName))
	c.sendNumeric(irc.RPL_CREATED, "This server was created when the bridge authenticated")
	c.sendNumeric(irc.RPL_MYINFO, c.srv.serverName, "pickups", "i", "nt")
}

func (c *Session) handleJoin(msg *irc.Message) {
	if len(msg.Params) == 0 {
		return
	}
	for _, channel := range strings.Split(msg.Params[0], ",") {
		if channel == "" {
			continue
		}
		key := strings.ToLower(channel)
		c.mu.Lock()
		already := c.channels[key]
		c.channels[key] = true
		c.mu.Unlock()
		if !already {
			c.announceJoin(channel)
		}
	}
}

func (c *Session) handlePrivmsg(msg *irc.Message) {
	c.mu.Lock()
	welcomed := c.welcomed
	c.mu.Unlock()
	if !welcomed || len(msg.Params) < 2 {
		return
	}

	target := msg.Params[0]
	text := msg.Trailing()
	if text == "" {
		return
	}

	conv, ok := c.srv.conversationFor(target)
	if !ok {
		log.Printf("No conversation for channel %s, dropping message", target)
		return
	}

	// Record the pending echo before sending so a fast reflection cannot
	// race past it.
	k := echoKey{channel: strings.ToLower(target), text: text}
	c.mu.Lock()
	c.pendingEcho[k]++
	c.mu.Unlock()

	if err := c.srv.remoteSession().Send(context.Background(), conv.ID, text); err != nil {
		log.Printf("Failed to relay message to conversation %s: %v", conv.ID, err)
		// The message never reached the remote service, so no reflection
		// is coming to consume the entry. A stale entry would swallow a
		// future genuine message with the same text.
		c.mu.Lock()
		if c.pendingEcho[k] > 0 {
			c.pendingEcho[k]--
			if c.pendingEcho[k] == 0 {
				delete(c.pendingEcho, k)
			}
		}
		c.mu.Unlock()
	}
}

func (c *Session) handlePing(msg *irc.Message) {
	token := c.srv.serverName
	if len(msg.Params) > 0 {
		token = msg.Params[len(msg.Params)-1]
	}
	c.send(&irc.Message{
		Prefix:  &irc.Prefix{Name: c.srv.serverName},
		Command: "PONG",
		Params:  []string{c.srv.serverName, token},
	})
}

// Deliver emits one remote chat message to this client. A channel the
// client has not seen yet is joined first; clients discover channels
// lazily from event traffic and never need to pre-join them. When the
// message is the client's own pending echo it is consumed and skipped,
// but the channel stays joined.
func (c *Session) Deliver(hostmask, channel, text string) {
	sender := hostmask
	if i := strings.IndexByte(hostmask, '!'); i >= 0 {
		sender = hostmask[:i]
	}

	key := strings.ToLower(channel)
	c.mu.Lock()
	joined := c.channels[key]
	c.channels[key] = true
	suppress := false
	if sender == c.nickname {
		k := echoKey{channel: key, text: text}
		if c.pendingEcho[k] > 0 {
			c.pendingEcho[k]--
			if c.pendingEcho[k] == 0 {
				delete(c.pendingEcho, k)
			}
			suppress = true
		}
	}
	c.mu.Unlock()

	if !joined {
		c.announceJoin(channel)
	}
	if suppress {
		return
	}

	prefix := irc.ParsePrefix(hostmask)
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if line == "" {
			continue
		}
		c.send(&irc.Message{
			Prefix:  prefix,
			Command: "PRIVMSG",
			Params:  []string{channel, line},
		})
	}
}

// announceJoin echoes the client's own JOIN and, for a channel backed by
// a known conversation, the member list.
func (c *Session) announceJoin(channel string) {
	c.mu.Lock()
	nick, user := c.nickname, c.username
	c.mu.Unlock()
	if nick == "" {
		nick = "*"
	}

	c.send(&irc.Message{
		Prefix:  &irc.Prefix{Name: nick, User: user, Host: ircmap.Domain},
		Command: "JOIN",
		Params:  []string{channel},
	})

	conv, ok := c.srv.conversationFor(channel)
	if !ok {
		return
	}
	nicks := make([]string, 0, len(conv.Members))
	for _, m := range conv.Members {
		nicks = append(nicks, ircmap.Nick(m))
	}
	c.sendNumeric(irc.RPL_NAMREPLY, "=", channel, strings.Join(nicks, " "))
	c.sendNumeric(irc.RPL_ENDOFNAMES, channel, "End of /NAMES list.")
}

// sendNumeric sends a server-prefixed reply addressed to this client.
func (c *Session) sendNumeric(numeric string, params ...string) {
	c.mu.Lock()
	nick := c.nickname
	c.mu.Unlock()
	if nick == "" {
		nick = "*"
	}

	c.send(&irc.Message{
		Prefix:  &irc.Prefix{Name: c.srv.serverName},
		Command: numeric,
		Params:  append([]string{nick}, params...),
	})
}

// send writes one IRC line. A write failure terminates the session by
// closing the connection, which unblocks the read loop into the single
// cleanup path.
func (c *Session) send(msg *irc.Message) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.conn.Write([]byte(msg.String() + "\r\n")); err != nil {
		log.Printf("Failed to write to connection %s: %v", c.id, err)
		c.conn.Close()
	}
}
