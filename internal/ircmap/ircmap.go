// Package ircmap converts remote identities and conversations into
// IRC-safe names. All functions are pure; the same input always yields
// the same output.
package ircmap

import (
	"strings"

	"github.com/davr/pickups/internal/remote"
)

// Domain is the host part used in every hostmask the gateway emits.
const Domain = "pickups.davr.org"

// Nick renders an identity's display name as an IRC nickname. Runs of
// whitespace and characters IRC clients choke on are collapsed into a
// single underscore. An identity with no display name falls back to its
// stable id.
func Nick(id remote.Identity) string {
	name := id.Name
	if name == "" {
		name = id.ID
	}

	var b strings.Builder
	lastSafe := true
	for _, r := range name {
		if nickSafe(r) {
			b.WriteRune(r)
			lastSafe = true
		} else if lastSafe {
			b.WriteByte('_')
			lastSafe = false
		}
	}
	nick := strings.Trim(b.String(), "_")
	if nick == "" {
		nick = "user"
	}
	return nick
}

// Hostmask renders an identity as nick!id@domain. The stable id in the
// user part keeps hostmasks unique even when display names collide.
func Hostmask(id remote.Identity) string {
	return Nick(id) + "!" + id.ID + "@" + Domain
}

// Channel maps a conversation to a channel name. The name is derived
// from the conversation id, not its title, so it stays stable when the
// conversation is renamed and cannot collide with another conversation.
func Channel(conv remote.Conversation) string {
	var b strings.Builder
	b.WriteByte('#')
	for _, r := range conv.ID {
		if channelSafe(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

func nickSafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("[]\\`^{}|_-", r)
}

func channelSafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return r == '_' || r == '.' || r == '-'
}
