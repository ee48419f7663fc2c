package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lourd/6005-guichat/pkg/protocol"
)

// sessionState is the per-connection protocol state machine. It only ever
// advances toward stateLogoff, apart from the idle request/response cycle.
type sessionState uint8

const (
	stateBegin   sessionState = iota // only a login request is accepted
	stateFriends                     // transitional: reverse-friend discovery runs, then idle
	stateIdle                        // all request types accepted
	stateLogoff                      // terminal: cleanup, then transport close
)

func (s sessionState) String() string {
	switch s {
	case stateBegin:
		return "begin"
	case stateFriends:
		return "friends"
	case stateIdle:
		return "idle"
	case stateLogoff:
		return "logoff"
	}
	return "unknown"
}

// outboundQueueSize bounds the per-session outbound queue. A peer that stops
// draining its socket fills the queue, after which pushes to it fail instead
// of stalling the sending handler.
const outboundQueueSize = 64

var (
	errSessionClosed = errors.New("session closed")
	errOutboundFull  = errors.New("outbound queue full")
)

// Session services one transport connection end to end: it owns the
// connection's protocol state machine, its friend set, its conversation
// membership set, and the outbound write path. The request loop runs on one
// goroutine; a second goroutine drains the outbound queue, so the session's
// own replies and pushes arriving from other handlers' goroutines never
// interleave on the socket.
type Session struct {
	id       uint16
	conn     net.Conn
	registry *Registry
	cfg      *Config
	log      zerolog.Logger

	// state is touched only by the session's own request loop
	state sessionState

	mu       sync.RWMutex // guards username
	username string

	friendMu sync.Mutex
	friends  map[string]struct{}

	convMu        sync.Mutex
	conversations map[uint32]struct{}

	outbound  chan *protocol.Message
	closed    chan struct{}
	closeOnce sync.Once
	writerWG  sync.WaitGroup
}

// newSession creates a session for an accepted connection. The connection id
// is assigned later by Registry.Register.
func newSession(conn net.Conn, registry *Registry, cfg *Config, log zerolog.Logger) *Session {
	return &Session{
		conn:          conn,
		registry:      registry,
		cfg:           cfg,
		log:           log,
		state:         stateBegin,
		friends:       make(map[string]struct{}),
		conversations: make(map[uint32]struct{}),
		outbound:      make(chan *protocol.Message, outboundQueueSize),
		closed:        make(chan struct{}),
	}
}

// ID returns the connection id
func (s *Session) ID() uint16 {
	return s.id
}

// Username returns the authenticated username, or "" before login
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

func (s *Session) setUsername(username string) {
	s.mu.Lock()
	s.username = username
	s.mu.Unlock()
}

// IsFriend reports whether user is in this session's friend set. In
// all-users mode every pair of users is treated as mutually friended.
func (s *Session) IsFriend(user string) bool {
	if s.cfg.Server.AllUsers {
		return true
	}
	s.friendMu.Lock()
	defer s.friendMu.Unlock()
	_, ok := s.friends[user]
	return ok
}

// addFriendLocal records the friend without notifying the peer. Reports
// whether the entry was new.
func (s *Session) addFriendLocal(friend string) bool {
	s.friendMu.Lock()
	defer s.friendMu.Unlock()

	if _, ok := s.friends[friend]; ok {
		return false
	}
	s.friends[friend] = struct{}{}
	return true
}

// AddFriend records the friend and pushes a friend-added notification to this
// session's peer. Called from other handlers' goroutines via the Registry;
// the push is best effort.
func (s *Session) AddFriend(friend string) {
	s.addFriendLocal(friend)
	_ = s.Push(&protocol.Message{
		Type: protocol.TypeFriends,
		Code: protocol.CodeFriendNotify,
		User: friend,
	})
}

// friendList returns a snapshot of the friend set
func (s *Session) friendList() []string {
	s.friendMu.Lock()
	defer s.friendMu.Unlock()

	list := make([]string, 0, len(s.friends))
	for f := range s.friends {
		list = append(list, f)
	}
	return list
}

// inConversation reports whether this session has recorded membership of the
// conversation. The membership check for inbound chat messages runs against
// this set, not the Registry's.
func (s *Session) inConversation(id uint32) bool {
	s.convMu.Lock()
	defer s.convMu.Unlock()
	_, ok := s.conversations[id]
	return ok
}

func (s *Session) recordConversation(id uint32) {
	s.convMu.Lock()
	s.conversations[id] = struct{}{}
	s.convMu.Unlock()
}

func (s *Session) forgetConversation(id uint32) {
	s.convMu.Lock()
	delete(s.conversations, id)
	s.convMu.Unlock()
}

// conversationList returns a snapshot of the conversation membership set
func (s *Session) conversationList() []uint32 {
	s.convMu.Lock()
	defer s.convMu.Unlock()

	list := make([]uint32, 0, len(s.conversations))
	for id := range s.conversations {
		list = append(list, id)
	}
	return list
}

// JoinConversation records membership and pushes a Start notification
// carrying the members that were in the conversation before this user.
// Called from the adding handler's goroutine; a delivery failure here is a
// hard failure for the caller.
func (s *Session) JoinConversation(id uint32, prior []string) error {
	s.recordConversation(id)

	convID := id
	return s.Push(&protocol.Message{
		Type:           protocol.TypeStart,
		ConversationID: &convID,
		Code:           protocol.CodeMembersAdded,
		Friends:        prior,
	})
}

// Deliver pushes a chat message from sender into this session's outbound path
func (s *Session) Deliver(conversationID uint32, sender, text string) error {
	convID := conversationID
	return s.Push(&protocol.Message{
		Type:           protocol.TypeMessage,
		ConversationID: &convID,
		User:           sender,
		Status:         text,
	})
}

// Push enqueues a message on the outbound queue. It fails when the session
// is closed or the queue is full; both count as transport-level delivery
// failures for the caller. Safe for concurrent use from any goroutine.
func (s *Session) Push(msg *protocol.Message) error {
	select {
	case <-s.closed:
		return errSessionClosed
	default:
	}

	select {
	case s.outbound <- msg:
		return nil
	case <-s.closed:
		return errSessionClosed
	default:
		return fmt.Errorf("%w: session %d", errOutboundFull, s.id)
	}
}

// writePump is the session's single socket writer. Every outbound message,
// reply or push, funnels through here. On shutdown it drains whatever is
// already queued before closing the transport, so a logout reply enqueued
// just before termination still reaches the peer.
func (s *Session) writePump() {
	defer s.writerWG.Done()

	for {
		select {
		case msg := <-s.outbound:
			if !s.writeOne(msg) {
				return
			}
		case <-s.closed:
			for {
				select {
				case msg := <-s.outbound:
					if !s.writeOne(msg) {
						return
					}
				default:
					s.conn.Close()
					return
				}
			}
		}
	}
}

func (s *Session) writeOne(msg *protocol.Message) bool {
	if err := protocol.WriteMessage(s.conn, msg); err != nil {
		s.log.Debug().Err(err).Msg("write failed")
		s.conn.Close()
		return false
	}
	s.log.Debug().Stringer("type", msg.Type).Uint16("code", msg.Code).Msg("sent")
	return true
}

// stop refuses further pushes and lets the writer drain the queue, then
// close the transport. Idempotent.
func (s *Session) stop() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

// close tears the session down immediately: no drain, the transport is
// closed under the reader. Used for forced shutdown. Idempotent and safe
// from any goroutine.
func (s *Session) close() {
	s.stop()
	s.conn.Close()
}

// run drives the session: welcome message, then one request consumed and one
// reply produced per iteration until the terminal state is reached or the
// transport fails. Runs on its own goroutine, one per accepted connection.
func (s *Session) run() {
	s.writerWG.Add(1)
	go s.writePump()

	if err := s.Push(&protocol.Message{
		Type:   protocol.TypeResponse,
		Code:   protocol.CodeWelcome,
		Status: "Welcome",
	}); err != nil {
		s.terminate()
		return
	}

	for s.state != stateLogoff {
		msg, err := protocol.ReadMessage(s.conn)
		if err != nil {
			// Either a clean disconnect or a garbled stream; both are an
			// implicit logoff, not a server failure.
			if errors.Is(err, io.EOF) {
				s.log.Debug().Msg("disconnected")
			} else {
				s.log.Debug().Err(err).Msg("read failed")
			}
			break
		}
		s.log.Debug().Stringer("type", msg.Type).Uint16("code", msg.Code).Msg("received")

		if reply := s.handle(msg); reply != nil {
			if err := s.Push(reply); err != nil {
				break
			}
		}

		if s.state == stateFriends {
			s.discoverFriends()
			s.state = stateIdle
		}
	}

	s.terminate()
}

// discoverFriends runs in the transitional state entered right after login:
// every live session that has friended this user is re-registered locally
// (with the usual friend-added push to our own peer), then the friend set is
// told this user came online.
func (s *Session) discoverFriends() {
	username := s.Username()

	for _, friend := range s.registry.FindFriends(username) {
		s.AddFriend(friend)
	}

	s.registry.PushMessage(&protocol.Message{
		Type:   protocol.TypeEvent,
		User:   username,
		Code:   protocol.CodeFriendOnline,
		Status: username + " has logged on",
	}, s.friendList())
}

// terminate runs the cleanup sequence: leave every conversation (pushing a
// left event to the remaining members), tell friends this user went offline,
// deregister, close the transport.
func (s *Session) terminate() {
	username := s.Username()

	if username != "" {
		for _, id := range s.conversationList() {
			convID := id
			s.registry.PushToConversation(id, &protocol.Message{
				Type:           protocol.TypeEvent,
				ConversationID: &convID,
				User:           username,
				Code:           protocol.CodeLeftConversation,
			})
			s.registry.LeaveConversation(id, username)
			s.forgetConversation(id)
		}

		s.registry.PushMessage(&protocol.Message{
			Type:   protocol.TypeEvent,
			User:   username,
			Code:   protocol.CodeFriendOffline,
			Status: username + " has logged off",
		}, s.friendList())
	}

	s.registry.Deregister(s)
	s.stop()
	s.writerWG.Wait()
	s.log.Debug().Msg("session closed")
}
