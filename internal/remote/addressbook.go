package remote

// AddressBook indexes the identities and conversations from a snapshot.
// It is built once after connect and never written again, so lookups need
// no locking.
type AddressBook struct {
	self  Identity
	users map[string]Identity
	convs map[string]Conversation
}

// NewAddressBook builds an AddressBook from a connect snapshot.
func NewAddressBook(snap Snapshot) *AddressBook {
	b := &AddressBook{
		self:  snap.Self,
		users: make(map[string]Identity, len(snap.Users)+1),
		convs: make(map[string]Conversation, len(snap.Conversations)),
	}
	for _, u := range snap.Users {
		b.users[u.ID] = u
	}
	// The bridged account itself is not always listed among the entities.
	b.users[snap.Self.ID] = snap.Self
	for _, c := range snap.Conversations {
		b.convs[c.ID] = c
	}
	return b
}

// Self returns the identity of the bridged account.
func (b *AddressBook) Self() Identity {
	return b.self
}

// User looks up an identity by its stable id.
func (b *AddressBook) User(id string) (Identity, bool) {
	u, ok := b.users[id]
	return u, ok
}

// Conversation looks up a conversation by its id.
func (b *AddressBook) Conversation(id string) (Conversation, bool) {
	c, ok := b.convs[id]
	return c, ok
}

// Conversations returns all known conversations.
func (b *AddressBook) Conversations() []Conversation {
	out := make([]Conversation, 0, len(b.convs))
	for _, c := range b.convs {
		out = append(out, c)
	}
	return out
}
