package gateway

import (
	"log"

	"github.com/davr/pickups/internal/ircmap"
	"github.com/davr/pickups/internal/remote"
)

// minBridgedMembers is the smallest conversation the gateway bridges.
// One-to-one conversations are direct messages, not channel traffic, and
// are filtered out entirely.
const minBridgedMembers = 3

// routeEvents drains the remote event stream. A single goroutine
// processes events one at a time, so clients observe them in the order
// the remote service produced them.
func (s *Server) routeEvents() {
	defer s.wg.Done()

	for ev := range s.remoteSession().Events() {
		s.routeEvent(ev)
	}
	log.Printf("Remote event stream ended")
}

// routeEvent translates one chat event and fans it out to every live
// session. Self-echo suppression is per-session state and happens inside
// Deliver; the router treats all sessions alike.
func (s *Server) routeEvent(ev remote.ChatMessage) {
	book := s.addressBook()

	conv, ok := book.Conversation(ev.ConversationID)
	if !ok {
		log.Printf("Dropping event for unknown conversation %s", ev.ConversationID)
		return
	}
	if len(conv.Members) < minBridgedMembers {
		return
	}

	sender, ok := book.User(ev.SenderID)
	if !ok {
		// A sender outside the snapshot still gets a usable hostmask.
		sender = remote.Identity{ID: ev.SenderID, Name: ev.SenderID}
	}

	hostmask := ircmap.Hostmask(sender)
	channel := ircmap.Channel(conv)
	log.Printf("%s -> %s : %s", hostmask, channel, ev.Text)

	for _, sess := range s.sessionList() {
		sess.Deliver(hostmask, channel, ev.Text)
	}
}
