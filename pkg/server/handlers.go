package server

import (
	"fmt"
	"unicode/utf8"

	"github.com/lourd/6005-guichat/pkg/protocol"
)

// handle consumes one request and produces exactly one reply. Every known
// message type is matched; anything else is an invalid command. State
// transitions happen only here and in the run loop.
func (s *Session) handle(msg *protocol.Message) *protocol.Message {
	switch msg.Type {
	case protocol.TypeLogin:
		return s.handleLogin(msg)
	case protocol.TypeLogout:
		return s.handleLogout(msg)
	case protocol.TypeFriends:
		return s.handleFriends(msg)
	case protocol.TypeStart:
		return s.handleStart(msg)
	case protocol.TypeAdd:
		return s.handleAdd(msg)
	case protocol.TypeMessage:
		return s.handleMessage(msg)
	case protocol.TypeEvent, protocol.TypeStatus:
		// Status has no behavior of its own and rides the event path
		return s.handleEvent(msg)
	case protocol.TypeResponse, protocol.TypeError:
		// Server-to-client types; a client has no business sending them
		return invalidCommand()
	}
	return invalidCommand()
}

// handleLogin validates the username, binds it via the Registry and enters
// the friend-discovery state. Failures leave the state untouched.
func (s *Session) handleLogin(msg *protocol.Message) *protocol.Message {
	if s.state != stateBegin {
		return errorMessage(protocol.CodeLoginConflict, "Already logged in")
	}

	if msg.User == "" {
		return missingField()
	}

	minLen := s.cfg.Limits.MinUsernameLength
	maxLen := s.cfg.Limits.MaxUsernameLength
	// Length bounds are in characters, not bytes
	if n := utf8.RuneCountInString(msg.User); n < minLen || n > maxLen {
		return errorMessage(protocol.CodeBadUsername,
			fmt.Sprintf("Username must be between %d and %d characters", minLen, maxLen))
	}

	if !s.registry.Login(s.id, msg.User) {
		return errorMessage(protocol.CodeLoginConflict, msg.User+" already logged in")
	}

	s.setUsername(msg.User)
	s.state = stateFriends
	return &protocol.Message{
		Type:   protocol.TypeLogin,
		Code:   protocol.CodeLoginOK,
		Status: "Welcome " + msg.User,
	}
}

// handleLogout always succeeds and enters the terminal state
func (s *Session) handleLogout(msg *protocol.Message) *protocol.Message {
	s.state = stateLogoff
	return &protocol.Message{
		Type:   protocol.TypeLogout,
		Code:   protocol.CodeLogoutOK,
		Status: "Good Bye " + s.Username(),
	}
}

// handleFriends adds one friend or a batch. Every newly-added friend is
// recorded locally and registered reciprocally via the Registry, which is
// what makes the relation symmetric.
func (s *Session) handleFriends(msg *protocol.Message) *protocol.Message {
	if errMsg := s.checkState(); errMsg != nil {
		return errMsg
	}
	username := s.Username()

	// Single friend
	if msg.User != "" {
		friend := msg.User
		if !s.addFriendLocal(friend) {
			return &protocol.Message{
				Type:   protocol.TypeFriends,
				Code:   protocol.CodeNoFriendsAdded,
				Status: "0 friends added",
			}
		}
		s.registry.AddFriend(friend, username)

		code := uint16(protocol.CodeFriendAddedOffline)
		if s.registry.LoggedOn(friend) {
			code = protocol.CodeFriendAddedOnline
		}
		return &protocol.Message{
			Type:   protocol.TypeFriends,
			Code:   code,
			User:   friend,
			Status: "1 friend added",
		}
	}

	// Batch of friends
	if len(msg.Friends) > 0 {
		added := 0
		var online []string
		for _, friend := range msg.Friends {
			if !s.addFriendLocal(friend) {
				continue
			}
			added++
			s.registry.AddFriend(friend, username)
			if s.registry.LoggedOn(friend) {
				online = append(online, friend)
			}
		}

		reply := &protocol.Message{
			Type:   protocol.TypeFriends,
			Status: fmt.Sprintf("%d friends added", added),
		}
		if len(online) > 0 {
			reply.Code = protocol.CodeFriendsAddedSomeOnline
			reply.Friends = online
		} else {
			reply.Code = protocol.CodeFriendsAddedNoneOnline
		}
		return reply
	}

	return missingField()
}

// handleStart begins a conversation owned by the caller, then adds the
// requested members through the shared add-members logic.
func (s *Session) handleStart(msg *protocol.Message) *protocol.Message {
	if errMsg := s.checkState(); errMsg != nil {
		return errMsg
	}

	id, err := s.registry.StartConversation(s.Username())
	if err != nil {
		return errorMessage(protocol.CodeCapacity, "Server Busy. Try again later")
	}
	s.recordConversation(id)

	return s.addMembers(msg, id)
}

// handleAdd adds members to an existing conversation
func (s *Session) handleAdd(msg *protocol.Message) *protocol.Message {
	if errMsg := s.checkState(); errMsg != nil {
		return errMsg
	}
	if msg.ConversationID == nil {
		return missingField()
	}
	return s.addMembers(msg, *msg.ConversationID)
}

// addMembers adds the request's target user(s) to the conversation, shared
// by Start and Add. A single target not logged on is unreachable; in a batch
// each target is attempted independently. A notification failure from the
// Registry is an internal error that forces this session to terminate.
func (s *Session) addMembers(msg *protocol.Message, id uint32) *protocol.Message {
	convID := id

	// Single target
	if msg.User != "" {
		target := msg.User
		if !s.registry.LoggedOn(target) {
			return errorMessage(protocol.CodeNotLoggedOn, target+" is not logged on")
		}

		ok, err := s.registry.AddToConversation(id, target)
		if !ok || err != nil {
			s.state = stateLogoff
			return errorMessage(protocol.CodeInternalError, "Internal Server Error")
		}

		return &protocol.Message{
			Type:           msg.Type,
			ConversationID: &convID,
			Code:           protocol.CodeMemberAdded,
			User:           target,
		}
	}

	// Batch of targets
	if len(msg.Friends) > 0 {
		var added []string
		for _, target := range msg.Friends {
			if !s.registry.LoggedOn(target) {
				continue
			}
			ok, err := s.registry.AddToConversation(id, target)
			if !ok || err != nil {
				s.state = stateLogoff
				return errorMessage(protocol.CodeInternalError, "Internal Server Error")
			}
			added = append(added, target)
		}

		if len(added) == 0 {
			return &protocol.Message{
				Type:           msg.Type,
				ConversationID: &convID,
				Code:           protocol.CodeNobodyReachable,
				Status:         "None of these people are logged on",
			}
		}
		return &protocol.Message{
			Type:           msg.Type,
			ConversationID: &convID,
			Code:           protocol.CodeMembersAdded,
			Friends:        added,
		}
	}

	return missingField()
}

// handleMessage routes a chat message to a conversation the caller is a
// member of. Membership is checked against the session's own set, so a
// non-member cannot send into a conversation it merely knows the id of.
func (s *Session) handleMessage(msg *protocol.Message) *protocol.Message {
	if errMsg := s.checkState(); errMsg != nil {
		return errMsg
	}
	if msg.ConversationID == nil {
		return missingField()
	}
	id := *msg.ConversationID

	if errMsg := s.checkConversation(id); errMsg != nil {
		return errMsg
	}
	if msg.Status == "" {
		return missingField()
	}

	convID := id
	failed, ok := s.registry.SendMessage(id, s.Username(), msg.Status)
	if !ok {
		return &protocol.Message{
			Type:           protocol.TypeError,
			ConversationID: &convID,
			Code:           protocol.CodeSendFailure,
			Status:         "Message Send Failure",
		}
	}

	if len(failed) > 0 {
		return &protocol.Message{
			Type:           protocol.TypeMessage,
			ConversationID: &convID,
			Code:           protocol.CodePartialDelivery,
			Status:         "Failed to deliver message to the following recipients",
			Friends:        failed,
		}
	}
	return &protocol.Message{
		Type:           protocol.TypeMessage,
		ConversationID: &convID,
		Code:           protocol.CodeDelivered,
		Status:         "Message Received",
	}
}

// handleEvent reroutes typing/presence events. Conversation-scoped codes go
// to the conversation's members (the left-conversation code also removes the
// caller); presence codes go to the caller's friend set. The User field is
// always overwritten with the connection's authenticated identity.
func (s *Session) handleEvent(msg *protocol.Message) *protocol.Message {
	if errMsg := s.checkState(); errMsg != nil {
		return errMsg
	}

	event := *msg
	event.User = s.Username()

	// Clients may not forge server-generated presence codes
	if event.Code < protocol.CodeEnteredText {
		return sequenceError()
	}

	if event.Code < protocol.CodeIdle {
		if event.ConversationID == nil {
			return missingField()
		}
		id := *event.ConversationID

		if errMsg := s.checkConversation(id); errMsg != nil {
			return errMsg
		}

		s.registry.PushToConversation(id, &event)
		if event.Code == protocol.CodeLeftConversation {
			s.registry.LeaveConversation(id, event.User)
			s.forgetConversation(id)
		}
		return &event
	}

	s.registry.PushMessage(&event, s.friendList())
	return &event
}

// checkState returns nil when the session may service a normal request, or
// the error reply to send instead.
func (s *Session) checkState() *protocol.Message {
	switch s.state {
	case stateIdle:
		return nil
	case stateBegin:
		return errorMessage(protocol.CodeLoginConflict, "Not logged in")
	}
	return sequenceError()
}

// checkConversation returns nil when the caller is a recorded member of the
// conversation, or the error reply to send instead.
func (s *Session) checkConversation(id uint32) *protocol.Message {
	if s.inConversation(id) {
		return nil
	}
	return errorMessage(protocol.CodeNotMember, "ID does not match any of your conversations")
}

func errorMessage(code uint16, status string) *protocol.Message {
	return &protocol.Message{
		Type:   protocol.TypeError,
		Code:   code,
		Status: status,
	}
}

func missingField() *protocol.Message {
	return errorMessage(protocol.CodeMissingField, "Required field is missing")
}

func sequenceError() *protocol.Message {
	return errorMessage(protocol.CodeSequenceError, "Command Sequence Error")
}

func invalidCommand() *protocol.Message {
	return errorMessage(protocol.CodeInvalidCommand, "Invalid Command")
}
