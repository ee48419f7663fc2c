package server

import (
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lourd/6005-guichat/pkg/protocol"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	return &cfg
}

func testRegistry() *Registry {
	return NewRegistry(zerolog.Nop(), nil)
}

// newPipeSession creates an unregistered session backed by an in-memory
// pipe. Pushes land in the session's outbound queue; nothing drains it, so
// tests can inspect queued messages directly.
func newPipeSession(t *testing.T, reg *Registry, cfg *Config) *Session {
	t.Helper()

	serverEnd, clientEnd := net.Pipe()
	t.Cleanup(func() {
		serverEnd.Close()
		clientEnd.Close()
	})
	return newSession(serverEnd, reg, cfg, zerolog.Nop())
}

// registerSession creates and registers a pipe-backed session
func registerSession(t *testing.T, reg *Registry, cfg *Config) *Session {
	t.Helper()

	sess := newPipeSession(t, reg, cfg)
	_, err := reg.Register(sess)
	require.NoError(t, err)
	return sess
}

// loginSession registers a session and binds a username to it
func loginSession(t *testing.T, reg *Registry, cfg *Config, username string) *Session {
	t.Helper()

	sess := registerSession(t, reg, cfg)
	require.True(t, reg.Login(sess.id, username))
	sess.setUsername(username)
	sess.state = stateIdle
	return sess
}

// nextPush pops the next queued outbound message, failing if none is queued
func nextPush(t *testing.T, sess *Session) *protocol.Message {
	t.Helper()

	select {
	case msg := <-sess.outbound:
		return msg
	default:
		t.Fatal("no queued outbound message")
		return nil
	}
}

func assertNoPush(t *testing.T, sess *Session) {
	t.Helper()

	select {
	case msg := <-sess.outbound:
		t.Fatalf("unexpected outbound message: %+v", msg)
	default:
	}
}

func TestRegisterAssignsLowestFreeID(t *testing.T) {
	reg := testRegistry()
	cfg := testConfig()

	a := registerSession(t, reg, cfg)
	b := registerSession(t, reg, cfg)
	c := registerSession(t, reg, cfg)
	assert.Equal(t, uint16(0), a.id)
	assert.Equal(t, uint16(1), b.id)
	assert.Equal(t, uint16(2), c.id)

	// A freed id is reused before higher ids are drawn
	reg.Deregister(b)
	d := registerSession(t, reg, cfg)
	assert.Equal(t, uint16(1), d.id)

	e := registerSession(t, reg, cfg)
	assert.Equal(t, uint16(3), e.id)
}

func TestRegisterCapacity(t *testing.T) {
	reg := testRegistry()
	cfg := testConfig()

	seen := make(map[uint16]bool)
	for i := 0; i < MaxConnections; i++ {
		sess := newPipeSession(t, reg, cfg)
		id, err := reg.Register(sess)
		require.NoError(t, err)
		require.False(t, seen[id], "id %d assigned twice", id)
		seen[id] = true
	}

	// The 501st concurrent connection is rejected
	_, err := reg.Register(newPipeSession(t, reg, cfg))
	assert.ErrorIs(t, err, ErrCapacity)
}

func TestLoginExclusivity(t *testing.T) {
	reg := testRegistry()
	cfg := testConfig()

	a := registerSession(t, reg, cfg)
	b := registerSession(t, reg, cfg)

	require.True(t, reg.Login(a.id, "alice"))
	assert.True(t, reg.LoggedOn("alice"))

	// Same name on a different connection fails, first binding unaffected
	assert.False(t, reg.Login(b.id, "alice"))
	assert.True(t, reg.LoggedOn("alice"))

	// A connection that already carries a name cannot take a second one.
	// Connection id 0 is the interesting case: an absent directory entry
	// must not read as a zero-value match for it.
	require.Equal(t, uint16(0), a.id)
	assert.False(t, reg.Login(a.id, "alice2"))
	assert.False(t, reg.LoggedOn("alice2"))

	// Re-login by the same id under the same name is accepted
	assert.True(t, reg.Login(a.id, "alice"))

	// After logoff the name is free again
	reg.LogoffUser("alice")
	assert.False(t, reg.LoggedOn("alice"))
	assert.True(t, reg.Login(b.id, "alice"))
}

func TestConversationLifecycle(t *testing.T) {
	reg := testRegistry()
	cfg := testConfig()
	loginSession(t, reg, cfg, "alice")

	id, err := reg.StartConversation("alice")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), id)
	assert.True(t, reg.CheckConversation(id))

	members, ok := reg.ConversationMembers(id)
	require.True(t, ok)
	assert.Equal(t, []string{"alice"}, members)

	// Ids are handed out lowest-free
	id2, err := reg.StartConversation("alice")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id2)

	// Removing the last member destroys the conversation
	reg.LeaveConversation(id, "alice")
	assert.False(t, reg.CheckConversation(id))
	_, ok = reg.ConversationMembers(id)
	assert.False(t, ok)

	// Leaving an unknown conversation is a no-op
	reg.LeaveConversation(9999, "alice")
}

func TestAddToConversationNotifiesMember(t *testing.T) {
	reg := testRegistry()
	cfg := testConfig()
	loginSession(t, reg, cfg, "alice")
	bob := loginSession(t, reg, cfg, "bob")

	id, err := reg.StartConversation("alice")
	require.NoError(t, err)

	ok, err := reg.AddToConversation(id, "bob")
	require.NoError(t, err)
	require.True(t, ok)

	// Bob's handler recorded the membership and pushed a Start notification
	// listing the prior members
	assert.True(t, bob.inConversation(id))
	push := nextPush(t, bob)
	assert.Equal(t, protocol.TypeStart, push.Type)
	assert.Equal(t, uint16(protocol.CodeMembersAdded), push.Code)
	require.NotNil(t, push.ConversationID)
	assert.Equal(t, id, *push.ConversationID)
	assert.Equal(t, []string{"alice"}, push.Friends)

	members, okMembers := reg.ConversationMembers(id)
	require.True(t, okMembers)
	assert.ElementsMatch(t, []string{"alice", "bob"}, members)
}

func TestAddToConversationAbsentConversation(t *testing.T) {
	reg := testRegistry()
	cfg := testConfig()
	loginSession(t, reg, cfg, "alice")

	ok, err := reg.AddToConversation(42, "alice")
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestAddToConversationOfflineMember(t *testing.T) {
	reg := testRegistry()
	cfg := testConfig()
	loginSession(t, reg, cfg, "alice")

	id, err := reg.StartConversation("alice")
	require.NoError(t, err)

	// Adding an offline user succeeds; membership is by username
	ok, err := reg.AddToConversation(id, "ghost")
	require.NoError(t, err)
	assert.True(t, ok)

	members, okMembers := reg.ConversationMembers(id)
	require.True(t, okMembers)
	assert.ElementsMatch(t, []string{"alice", "ghost"}, members)
}

func TestAddToConversationNotifyFailure(t *testing.T) {
	reg := testRegistry()
	cfg := testConfig()
	loginSession(t, reg, cfg, "alice")
	bob := loginSession(t, reg, cfg, "bob")

	id, err := reg.StartConversation("alice")
	require.NoError(t, err)

	// A closed session cannot be notified; the add reports a hard failure
	bob.stop()
	ok, err := reg.AddToConversation(id, "bob")
	assert.True(t, ok)
	assert.ErrorIs(t, err, ErrNotifyFailed)
}

func TestSendMessage(t *testing.T) {
	reg := testRegistry()
	cfg := testConfig()
	loginSession(t, reg, cfg, "alice")
	bob := loginSession(t, reg, cfg, "bob")
	carol := loginSession(t, reg, cfg, "carol")

	id, err := reg.StartConversation("alice")
	require.NoError(t, err)
	for _, member := range []string{"bob", "carol"} {
		_, err := reg.AddToConversation(id, member)
		require.NoError(t, err)
	}
	// Drain the Start notifications
	nextPush(t, bob)
	nextPush(t, carol)
	// Bob also sees carol arrive
	nextPush(t, bob)

	failed, ok := reg.SendMessage(id, "alice", "hi")
	require.True(t, ok)
	assert.Empty(t, failed)

	for _, sess := range []*Session{bob, carol} {
		msg := nextPush(t, sess)
		assert.Equal(t, protocol.TypeMessage, msg.Type)
		assert.Equal(t, "alice", msg.User)
		assert.Equal(t, "hi", msg.Status)
		require.NotNil(t, msg.ConversationID)
		assert.Equal(t, id, *msg.ConversationID)
	}
}

func TestSendMessageAbsentConversation(t *testing.T) {
	reg := testRegistry()
	cfg := testConfig()
	loginSession(t, reg, cfg, "alice")

	_, ok := reg.SendMessage(42, "alice", "hi")
	assert.False(t, ok)
}

func TestSendMessageStaleEntryCleanup(t *testing.T) {
	reg := testRegistry()
	cfg := testConfig()
	loginSession(t, reg, cfg, "alice")
	carol := loginSession(t, reg, cfg, "carol")

	id, err := reg.StartConversation("alice")
	require.NoError(t, err)
	_, err = reg.AddToConversation(id, "carol")
	require.NoError(t, err)
	// "ghost" never logged in but is a recorded member
	_, err = reg.AddToConversation(id, "ghost")
	require.NoError(t, err)

	// Simulate a directory entry whose connection has vanished
	reg.connMu.Lock()
	delete(reg.connections, carol.id)
	reg.connMu.Unlock()

	failed, ok := reg.SendMessage(id, "alice", "hi")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"carol", "ghost"}, failed)

	// The stale directory entry was proactively removed
	assert.False(t, reg.LoggedOn("carol"))
}

func TestSendMessageTransportFailure(t *testing.T) {
	reg := testRegistry()
	cfg := testConfig()
	loginSession(t, reg, cfg, "alice")
	bob := loginSession(t, reg, cfg, "bob")

	id, err := reg.StartConversation("alice")
	require.NoError(t, err)
	_, err = reg.AddToConversation(id, "bob")
	require.NoError(t, err)

	bob.stop()
	failed, ok := reg.SendMessage(id, "alice", "hi")
	require.True(t, ok)
	assert.Equal(t, []string{"bob"}, failed)

	// A transport failure does not remove the directory entry
	assert.True(t, reg.LoggedOn("bob"))
}

func TestPushMessageSkipsUnresolved(t *testing.T) {
	reg := testRegistry()
	cfg := testConfig()
	bob := loginSession(t, reg, cfg, "bob")

	msg := &protocol.Message{Type: protocol.TypeEvent, User: "alice", Code: protocol.CodeFriendOnline}
	failed := reg.PushMessage(msg, []string{"bob", "nobody"})

	// Unresolved users are skipped silently, not counted as failed
	assert.Empty(t, failed)
	push := nextPush(t, bob)
	assert.Equal(t, uint16(protocol.CodeFriendOnline), push.Code)
}

func TestPushMessageReportsTransportFailures(t *testing.T) {
	reg := testRegistry()
	cfg := testConfig()
	bob := loginSession(t, reg, cfg, "bob")
	bob.stop()

	msg := &protocol.Message{Type: protocol.TypeEvent, User: "alice", Code: protocol.CodeFriendOnline}
	failed := reg.PushMessage(msg, []string{"bob"})
	assert.Equal(t, []string{"bob"}, failed)
}

func TestAddFriendSymmetry(t *testing.T) {
	reg := testRegistry()
	cfg := testConfig()
	bob := loginSession(t, reg, cfg, "bob")

	// Alice adds bob: the registry inserts alice into bob's own friend set
	// and pushes a notification to bob, though bob issued no request
	reg.AddFriend("bob", "alice")

	assert.True(t, bob.IsFriend("alice"))
	push := nextPush(t, bob)
	assert.Equal(t, protocol.TypeFriends, push.Type)
	assert.Equal(t, uint16(protocol.CodeFriendNotify), push.Code)
	assert.Equal(t, "alice", push.User)
}

func TestAddFriendOfflineUserIsNoop(t *testing.T) {
	reg := testRegistry()

	reg.AddFriend("nobody", "alice")
	// Nothing to assert beyond not panicking; no session exists for nobody
}

func TestFindFriends(t *testing.T) {
	reg := testRegistry()
	cfg := testConfig()
	bob := loginSession(t, reg, cfg, "bob")
	carol := loginSession(t, reg, cfg, "carol")
	loginSession(t, reg, cfg, "dave")

	bob.addFriendLocal("alice")
	carol.addFriendLocal("alice")

	assert.ElementsMatch(t, []string{"bob", "carol"}, reg.FindFriends("alice"))
	assert.Empty(t, reg.FindFriends("zed"))
}

func TestFindFriendsAllUsersMode(t *testing.T) {
	reg := testRegistry()
	cfg := testConfig()
	cfg.Server.AllUsers = true
	loginSession(t, reg, cfg, "bob")
	loginSession(t, reg, cfg, "carol")

	// Every logged-in user counts as a friend, nobody friended anybody
	assert.ElementsMatch(t, []string{"bob", "carol"}, reg.FindFriends("alice"))
}

func TestFindFriendsSkipsAnonymousSessions(t *testing.T) {
	reg := testRegistry()
	cfg := testConfig()
	registerSession(t, reg, cfg) // connected, never logged in
	bob := loginSession(t, reg, cfg, "bob")
	bob.addFriendLocal("alice")

	assert.Equal(t, []string{"bob"}, reg.FindFriends("alice"))
}
