package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// MsgType discriminates the protocol message kinds. The same byte is carried
// as the frame type, so a frame can be dispatched without decoding its payload.
type MsgType uint8

const (
	TypeLogin    MsgType = 0x01
	TypeLogout   MsgType = 0x02
	TypeFriends  MsgType = 0x03
	TypeStart    MsgType = 0x04
	TypeStatus   MsgType = 0x05
	TypeEvent    MsgType = 0x06
	TypeAdd      MsgType = 0x07
	TypeMessage  MsgType = 0x08
	TypeResponse MsgType = 0x09
	TypeError    MsgType = 0x0A
)

// String returns the wire name of the message type
func (t MsgType) String() string {
	switch t {
	case TypeLogin:
		return "Login"
	case TypeLogout:
		return "Logout"
	case TypeFriends:
		return "Friends"
	case TypeStart:
		return "Start"
	case TypeStatus:
		return "Status"
	case TypeEvent:
		return "Event"
	case TypeAdd:
		return "Add"
	case TypeMessage:
		return "Message"
	case TypeResponse:
		return "Response"
	case TypeError:
		return "Error"
	}
	return fmt.Sprintf("Unknown(0x%02X)", uint8(t))
}

// Valid reports whether t is a known message type
func (t MsgType) Valid() bool {
	return t >= TypeLogin && t <= TypeError
}

// Sub-status codes carried in the Code field
const (
	// Response codes
	CodeWelcome  = 100 // connection accepted
	CodeLoginOK  = 101 // login succeeded
	CodeLogoutOK = 200 // logout succeeded

	// Friends codes
	CodeNoFriendsAdded         = 300 // zero friends added
	CodeFriendAddedOffline     = 301 // one friend added, currently offline
	CodeFriendsAddedNoneOnline = 302 // batch added, none online
	CodeFriendsAddedSomeOnline = 303 // batch added, some online (listed in Friends)
	CodeFriendAddedOnline      = 304 // one friend added, currently online
	CodeFriendNotify           = 305 // reciprocal friend-added push

	// Message delivery codes
	CodeDelivered       = 400 // delivered to all recipients
	CodePartialDelivery = 401 // some recipients unreachable (listed in Friends)

	// Conversation codes
	CodeMemberAdded     = 601 // single member added
	CodeMembersAdded    = 602 // batch of members added (listed in Friends)
	CodeNobodyReachable = 605 // conversation created, no member reachable

	// Event codes. Codes below CodeFriendOnline are reserved; 702-709 are
	// conversation-scoped, 710 and above are presence events routed to friends.
	CodeFriendOnline     = 700
	CodeFriendOffline    = 701
	CodeEnteredText      = 702
	CodeTyping           = 703
	CodeLeftConversation = 704
	CodeClearedText      = 705
	CodeIdle             = 710
	CodeActive           = 711

	// Error codes
	CodeBadUsername    = 501 // invalid username length
	CodeLoginConflict  = 502 // login/state conflict
	CodeMissingField   = 503 // required field missing
	CodeSequenceError  = 504 // command sequence error
	CodeInvalidCommand = 505 // unknown command
	CodeNotLoggedOn    = 506 // target user not logged on
	CodeCapacity       = 507 // capacity exceeded
	CodeInternalError  = 508 // internal failure, session terminates
	CodeNotMember      = 509 // conversation not joined by caller
	CodeSendFailure    = 510 // message send failure
)

// ErrMalformed wraps payload decode failures so the session layer can
// distinguish a garbled stream from a clean disconnect.
var ErrMalformed = errors.New("malformed message")

// Message is the single wire record exchanged between client and server.
// Which fields are meaningful depends on Type and Code.
type Message struct {
	Type           MsgType
	ConversationID *uint32  // present only for conversation-scoped messages
	User           string   // identity; overwritten server-side for events
	Code           uint16   // sub-status, see code constants
	Status         string   // human text, message body, or error detail
	Friends        []string // bulk operand or notification payload
}

// EncodeTo writes the message payload (everything but the frame header)
func (m *Message) EncodeTo(w io.Writer) error {
	if err := WriteOptionalUint32(w, m.ConversationID); err != nil {
		return err
	}
	if err := WriteString(w, m.User); err != nil {
		return err
	}
	if err := WriteUint16(w, m.Code); err != nil {
		return err
	}
	if err := WriteString(w, m.Status); err != nil {
		return err
	}
	return WriteStringList(w, m.Friends)
}

// Encode returns the message payload as a byte slice
func (m *Message) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a message payload
func (m *Message) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)

	conversationID, err := ReadOptionalUint32(buf)
	if err != nil {
		return fmt.Errorf("%w: conversation id: %v", ErrMalformed, err)
	}
	user, err := ReadString(buf)
	if err != nil {
		return fmt.Errorf("%w: user: %v", ErrMalformed, err)
	}
	code, err := ReadUint16(buf)
	if err != nil {
		return fmt.Errorf("%w: code: %v", ErrMalformed, err)
	}
	status, err := ReadString(buf)
	if err != nil {
		return fmt.Errorf("%w: status: %v", ErrMalformed, err)
	}
	friends, err := ReadStringList(buf)
	if err != nil {
		return fmt.Errorf("%w: friends: %v", ErrMalformed, err)
	}

	m.ConversationID = conversationID
	m.User = user
	m.Code = code
	m.Status = status
	m.Friends = friends
	return nil
}

// MarshalMessage returns the complete framed wire form of a message
func MarshalMessage(m *Message) ([]byte, error) {
	payload, err := m.Encode()
	if err != nil {
		return nil, err
	}

	return EncodeToBytes(&Frame{
		Version: Version,
		Type:    m.Type,
		Flags:   0,
		Payload: payload,
	})
}

// WriteMessage frames and writes a message to the writer as a single write,
// so message-oriented transports carry one frame per transport message.
func WriteMessage(w io.Writer, m *Message) error {
	data, err := MarshalMessage(m)
	if err != nil {
		return err
	}

	_, err = w.Write(data)
	return err
}

// ReadMessage reads one framed message from the reader. A clean disconnect
// before the next frame is reported as io.EOF; any other failure wraps
// ErrMalformed. A frame with an unknown type byte decodes normally so the
// dispatcher can answer it with an invalid-command error.
func ReadMessage(r io.Reader) (*Message, error) {
	frame, err := DecodeFrame(r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	msg := &Message{Type: frame.Type}
	if err := msg.Decode(frame.Payload); err != nil {
		return nil, err
	}
	return msg, nil
}
