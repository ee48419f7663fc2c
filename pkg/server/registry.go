package server

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lourd/6005-guichat/pkg/protocol"
)

const (
	// MaxConnections is the connection ceiling. Connection ids are drawn
	// from [0, MaxConnections).
	MaxConnections = 500

	// maxConversations bounds the conversation id space (31-bit range)
	maxConversations = 0x7FFFFFFF
)

var (
	// ErrCapacity is returned when no connection or conversation id is free
	ErrCapacity = errors.New("capacity exceeded")

	// ErrNotifyFailed is returned by AddToConversation when the member was
	// added but the notification to their connection could not be delivered.
	ErrNotifyFailed = errors.New("member notification failed")
)

// conversation holds the member set of one live conversation. The set is
// guarded by its own lock; the Registry's conversation table lock is never
// held while this lock is taken.
type conversation struct {
	mu      sync.Mutex
	members map[string]struct{}
}

// snapshot returns a copy of the member set
func (c *conversation) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	members := make([]string, 0, len(c.members))
	for m := range c.members {
		members = append(members, m)
	}
	return members
}

// Registry is the process-wide session state shared by every connection
// handler: the connection table, the username directory and the conversation
// table. Each table is guarded by its own lock, and no operation holds two
// table locks at once; references are fetched under the owning lock, the lock
// is released, and only then is the fetched object locked. The single
// exception is noted at LeaveConversation.
type Registry struct {
	connMu      sync.Mutex
	connections map[uint16]*Session

	userMu    sync.Mutex
	usernames map[string]uint16

	convMu        sync.Mutex
	conversations map[uint32]*conversation

	metrics *Metrics
	log     zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(log zerolog.Logger, metrics *Metrics) *Registry {
	return &Registry{
		connections:   make(map[uint16]*Session),
		usernames:     make(map[string]uint16),
		conversations: make(map[uint32]*conversation),
		metrics:       metrics,
		log:           log,
	}
}

// Register assigns the lowest free connection id below the ceiling to the
// session and enters it into the connection table. Returns ErrCapacity when
// every id is in use; the caller must reject the connection before any
// protocol exchange.
func (r *Registry) Register(sess *Session) (uint16, error) {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	for id := uint16(0); id < MaxConnections; id++ {
		if _, used := r.connections[id]; !used {
			sess.id = id
			r.connections[id] = sess
			r.metrics.RecordSessionCreated(len(r.connections))
			return id, nil
		}
	}
	return 0, fmt.Errorf("connection table full: %w", ErrCapacity)
}

// Login binds username to the connection id. The bind fails if the username
// is already bound to a different id, or if this id already carries a
// username. Re-login by the same id under the same name is accepted.
func (r *Registry) Login(id uint16, username string) bool {
	r.userMu.Lock()
	defer r.userMu.Unlock()

	for _, boundID := range r.usernames {
		if boundID == id {
			boundTo, bound := r.usernames[username]
			return bound && boundTo == id
		}
	}
	if boundID, bound := r.usernames[username]; bound {
		return boundID == id
	}

	r.usernames[username] = id
	r.log.Debug().Uint16("conn", id).Str("user", username).Msg("logged in")
	return true
}

// LoggedOn reports whether the username is currently bound to a connection
func (r *Registry) LoggedOn(username string) bool {
	r.userMu.Lock()
	defer r.userMu.Unlock()

	_, ok := r.usernames[username]
	return ok
}

// LogoffUser removes the username binding and its connection table entry.
// Used for stale-entry cleanup when a directory entry points at a dead
// connection. Never fails.
func (r *Registry) LogoffUser(username string) {
	r.userMu.Lock()
	id, bound := r.usernames[username]
	delete(r.usernames, username)
	r.userMu.Unlock()

	if !bound {
		return
	}

	r.connMu.Lock()
	if _, ok := r.connections[id]; ok {
		delete(r.connections, id)
		r.metrics.RecordSessionClosed(len(r.connections))
	}
	r.connMu.Unlock()

	r.log.Debug().Str("user", username).Msg("logged off")
}

// Deregister removes the session's username binding (if any) and its
// connection table entry. Called once from the session's own termination
// sequence. Never fails.
func (r *Registry) Deregister(sess *Session) {
	if username := sess.Username(); username != "" {
		r.userMu.Lock()
		if r.usernames[username] == sess.id {
			delete(r.usernames, username)
		}
		r.userMu.Unlock()
	}

	r.connMu.Lock()
	if r.connections[sess.id] == sess {
		delete(r.connections, sess.id)
		r.metrics.RecordSessionClosed(len(r.connections))
	}
	r.connMu.Unlock()
}

// lookupSession resolves a username to its live session, or nil. The two
// table locks are taken one after the other, never together.
func (r *Registry) lookupSession(username string) *Session {
	r.userMu.Lock()
	id, bound := r.usernames[username]
	r.userMu.Unlock()
	if !bound {
		return nil
	}

	r.connMu.Lock()
	sess := r.connections[id]
	r.connMu.Unlock()
	return sess
}

// StartConversation allocates the lowest free conversation id and seeds its
// member set with username. Returns ErrCapacity if the id space is exhausted.
func (r *Registry) StartConversation(username string) (uint32, error) {
	r.convMu.Lock()
	defer r.convMu.Unlock()

	var id uint32
	for ; id < maxConversations; id++ {
		if _, used := r.conversations[id]; !used {
			break
		}
	}
	if id == maxConversations {
		return 0, fmt.Errorf("conversation id space exhausted: %w", ErrCapacity)
	}

	r.conversations[id] = &conversation{members: map[string]struct{}{username: {}}}
	r.metrics.RecordConversationStarted(len(r.conversations))
	r.log.Debug().Uint32("conversation", id).Str("user", username).Msg("conversation started")
	return id, nil
}

// CheckConversation reports whether the conversation exists
func (r *Registry) CheckConversation(id uint32) bool {
	r.convMu.Lock()
	defer r.convMu.Unlock()

	_, ok := r.conversations[id]
	return ok
}

// ConversationMembers returns a defensive snapshot of the member set, or
// ok=false if the conversation does not exist.
func (r *Registry) ConversationMembers(id uint32) ([]string, bool) {
	r.convMu.Lock()
	conv := r.conversations[id]
	r.convMu.Unlock()

	if conv == nil {
		return nil, false
	}
	return conv.snapshot(), true
}

// AddToConversation inserts the member and, if that user is connected,
// instructs their session to record the membership and push a Start
// notification listing the prior members; the prior members then receive an
// Add notification. Returns ok=false if the conversation does not exist. A
// notification delivery failure is a hard error, distinct from the member
// merely being offline, and is reported via ErrNotifyFailed.
func (r *Registry) AddToConversation(id uint32, username string) (bool, error) {
	r.convMu.Lock()
	conv := r.conversations[id]
	r.convMu.Unlock()
	if conv == nil {
		return false, nil
	}

	conv.mu.Lock()
	prior := make([]string, 0, len(conv.members))
	for m := range conv.members {
		prior = append(prior, m)
	}
	conv.members[username] = struct{}{}
	conv.mu.Unlock()

	r.log.Debug().Uint32("conversation", id).Str("user", username).Msg("member added")

	if sess := r.lookupSession(username); sess != nil {
		if err := sess.JoinConversation(id, prior); err != nil {
			return true, fmt.Errorf("%w: %s: %v", ErrNotifyFailed, username, err)
		}
		convID := id
		r.PushMessage(&protocol.Message{
			Type:           protocol.TypeAdd,
			ConversationID: &convID,
			User:           username,
			Code:           protocol.CodeMemberAdded,
		}, prior)
	}
	return true, nil
}

// LeaveConversation removes the member and destroys the conversation the
// moment its member set drains to zero. The destroy path is the one place a
// member-set lock is taken while the table lock is held; no code path
// acquires the table lock while holding a member-set lock, so the ordering
// stays consistent.
func (r *Registry) LeaveConversation(id uint32, username string) {
	r.convMu.Lock()
	conv := r.conversations[id]
	r.convMu.Unlock()
	if conv == nil {
		return
	}

	conv.mu.Lock()
	delete(conv.members, username)
	empty := len(conv.members) == 0
	conv.mu.Unlock()

	if empty {
		r.convMu.Lock()
		// Re-check under the table lock: a concurrent add may have gone
		// through a still-held reference to this conversation.
		if cur := r.conversations[id]; cur == conv {
			cur.mu.Lock()
			if len(cur.members) == 0 {
				delete(r.conversations, id)
				r.metrics.RecordConversationClosed(len(r.conversations))
				r.log.Debug().Uint32("conversation", id).Msg("conversation closed")
			}
			cur.mu.Unlock()
		}
		r.convMu.Unlock()
	}
}

// SendMessage fans a chat message out to every member of the conversation
// except the sender. Members without a directory entry, or whose directory
// entry points at a dead connection, are counted as failed and force-logged
// off; members whose delivery fails at the transport level are counted as
// failed but keep their directory entry. Returns ok=false if the
// conversation does not exist.
func (r *Registry) SendMessage(id uint32, sender, text string) ([]string, bool) {
	members, ok := r.ConversationMembers(id)
	if !ok {
		return nil, false
	}

	var failed []string
	for _, member := range members {
		if member == sender {
			continue
		}

		sess := r.lookupSession(member)
		if sess == nil {
			// Stale directory entry
			r.LogoffUser(member)
			failed = append(failed, member)
			continue
		}

		if err := sess.Deliver(id, sender, text); err != nil {
			r.log.Debug().Uint32("conversation", id).Str("user", member).Err(err).Msg("delivery failed")
			failed = append(failed, member)
			continue
		}
		r.metrics.RecordMessageRouted()
	}

	r.metrics.RecordFanout(len(members) - 1)
	r.metrics.RecordDeliveryFailures(len(failed))
	return failed, true
}

// PushMessage fans a message out to an explicit username list, best effort.
// Users with no live connection are silently skipped; only users that
// resolve to a connection but fail delivery are reported.
func (r *Registry) PushMessage(msg *protocol.Message, usernames []string) []string {
	var failed []string
	for _, username := range usernames {
		sess := r.lookupSession(username)
		if sess == nil {
			continue
		}
		if err := sess.Push(msg); err != nil {
			failed = append(failed, username)
		}
	}

	r.metrics.RecordDeliveryFailures(len(failed))
	return failed
}

// PushToConversation fans a message out to every member of the conversation.
// Returns ok=false if the conversation does not exist.
func (r *Registry) PushToConversation(id uint32, msg *protocol.Message) ([]string, bool) {
	members, ok := r.ConversationMembers(id)
	if !ok {
		return nil, false
	}
	return r.PushMessage(msg, members), true
}

// AddFriend records friend in user's live friend set and notifies user's
// connection with a friend-added push. The relation is registered from the
// adder's handler, which makes friendship symmetric as a side effect. A
// no-op when user has no live connection.
func (r *Registry) AddFriend(user, friend string) {
	sess := r.lookupSession(user)
	if sess == nil {
		return
	}
	sess.AddFriend(friend)
}

// FindFriends scans every live connection and returns the usernames whose
// friend set contains user. Friend sets live only inside connected handlers,
// so this reverse lookup is how relations are rediscovered at login.
func (r *Registry) FindFriends(user string) []string {
	r.connMu.Lock()
	sessions := make([]*Session, 0, len(r.connections))
	for _, sess := range r.connections {
		sessions = append(sessions, sess)
	}
	r.connMu.Unlock()

	var friends []string
	for _, sess := range sessions {
		username := sess.Username()
		if username == "" || username == user {
			continue
		}
		if sess.IsFriend(user) {
			friends = append(friends, username)
		}
	}
	return friends
}

// Sessions returns a snapshot of all live sessions
func (r *Registry) Sessions() []*Session {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	sessions := make([]*Session, 0, len(r.connections))
	for _, sess := range r.connections {
		sessions = append(sessions, sess)
	}
	return sessions
}

// ConnectionCount returns the number of live connections
func (r *Registry) ConnectionCount() int {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	return len(r.connections)
}
