package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/Dancode-188/padsync/internal/ot"
	"github.com/Dancode-188/padsync/internal/presence"
)

// MessageTypeCode is the first byte of a binary frame
type MessageTypeCode byte

const (
	ATTACH       MessageTypeCode = 0x10
	DETACH       MessageTypeCode = 0x11
	SNAPSHOT     MessageTypeCode = 0x13
	SUBMIT       MessageTypeCode = 0x20
	ACK          MessageTypeCode = 0x21
	OPERATION    MessageTypeCode = 0x22
	PING         MessageTypeCode = 0x30
	PONG         MessageTypeCode = 0x31
	PEER_JOINED  MessageTypeCode = 0x40
	PEER_LEFT    MessageTypeCode = 0x41
	RENAME       MessageTypeCode = 0x42
	CHAT         MessageTypeCode = 0x43
	PEER_RENAMED MessageTypeCode = 0x44
	ERROR        MessageTypeCode = 0xFF
)

// Message type names, used by the JSON text protocol
const (
	TypeAttach      = "attach"
	TypeDetach      = "detach"
	TypeSnapshot    = "snapshot"
	TypeSubmit      = "submit"
	TypeAck         = "ack"
	TypeOperation   = "operation"
	TypePing        = "ping"
	TypePong        = "pong"
	TypePeerJoined  = "peer_joined"
	TypePeerLeft    = "peer_left"
	TypeRename      = "rename"
	TypeChat        = "chat"
	TypePeerRenamed = "peer_renamed"
	TypeError       = "error"
)

// Error codes carried by error messages
const (
	CodeMalformedOperation = "MALFORMED_OPERATION"
	CodeUnknownSession     = "UNKNOWN_SESSION"
	CodeRevisionAhead      = "REVISION_AHEAD"
	CodePersistenceFailure = "PERSISTENCE_FAILURE"
	CodeInvalidDocument    = "INVALID_DOCUMENT"
	CodeResyncRequired     = "RESYNC_REQUIRED"
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeDocumentTooLarge   = "DOCUMENT_TOO_LARGE"
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeInternal           = "INTERNAL_ERROR"
)

var typeCodeToName = map[MessageTypeCode]string{
	ATTACH:       TypeAttach,
	DETACH:       TypeDetach,
	SNAPSHOT:     TypeSnapshot,
	SUBMIT:       TypeSubmit,
	ACK:          TypeAck,
	OPERATION:    TypeOperation,
	PING:         TypePing,
	PONG:         TypePong,
	PEER_JOINED:  TypePeerJoined,
	PEER_LEFT:    TypePeerLeft,
	RENAME:       TypeRename,
	CHAT:         TypeChat,
	PEER_RENAMED: TypePeerRenamed,
	ERROR:        TypeError,
}

var typeNameToCode = func() map[string]MessageTypeCode {
	m := make(map[string]MessageTypeCode, len(typeCodeToName))
	for code, name := range typeCodeToName {
		m[name] = code
	}
	return m
}()

// Message is one decoded frame. Payload holds the raw JSON object and is
// read with DecodePayload.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"-"`
}

// AttachPayload opens a document
type AttachPayload struct {
	Document string `json:"document"`
	Name     string `json:"name,omitempty"`
}

// SubmitPayload carries an operation made against Revision
type SubmitPayload struct {
	Revision  int           `json:"revision"`
	Operation *ot.Operation `json:"operation"`
}

// RenamePayload changes the sender's display name
type RenamePayload struct {
	Name string `json:"name"`
}

// ChatPayload is a chat line
type ChatPayload struct {
	Text string `json:"text"`
}

// SnapshotPayload is the full state sent on attach
type SnapshotPayload struct {
	Document  string          `json:"document"`
	SessionID string          `json:"sessionId"`
	Name      string          `json:"name"`
	Text      string          `json:"text"`
	Revision  int             `json:"revision"`
	Peers     []presence.Peer `json:"peers"`
}

// AckPayload confirms the sender's operation as Revision
type AckPayload struct {
	Revision int `json:"revision"`
}

// OperationPayload is another session's committed operation
type OperationPayload struct {
	Revision  int           `json:"revision"`
	SessionID string        `json:"sessionId"`
	Name      string        `json:"name,omitempty"`
	Operation *ot.Operation `json:"operation"`
}

// PeerPayload announces a join, leave or rename
type PeerPayload struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
}

// ChatMessagePayload is a chat line relayed to a document's members
type ChatMessagePayload struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
	Text      string `json:"text"`
}

// ErrorPayload reports a failed request
type ErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// EncodeMessage encodes a message to binary format
// Format: [type:1 byte][timestamp:8 bytes][payload_len:4 bytes][payload:JSON bytes]
func EncodeMessage(messageType string, payload interface{}, timestamp int64) ([]byte, error) {
	typeCode, ok := typeNameToCode[messageType]
	if !ok {
		return nil, fmt.Errorf("unknown message type %q", messageType)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	payloadLen := uint32(len(payloadJSON))
	buf := make([]byte, 13+payloadLen)
	buf[0] = byte(typeCode)
	binary.BigEndian.PutUint64(buf[1:9], uint64(timestamp))
	binary.BigEndian.PutUint32(buf[9:13], payloadLen)
	copy(buf[13:], payloadJSON)

	return buf, nil
}

// DecodeMessage decodes a binary frame, or a JSON object with a type field
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) > 0 && data[0] == '{' {
		message := &Message{}
		if err := json.Unmarshal(data, message); err != nil {
			return nil, fmt.Errorf("failed to unmarshal JSON: %w", err)
		}
		if _, ok := typeNameToCode[message.Type]; !ok {
			return nil, fmt.Errorf("unknown message type %q", message.Type)
		}
		message.Payload = json.RawMessage(data)
		return message, nil
	}

	if len(data) < 13 {
		return nil, fmt.Errorf("message too short: %d bytes", len(data))
	}

	typeCode := MessageTypeCode(data[0])
	timestamp := int64(binary.BigEndian.Uint64(data[1:9]))
	payloadLen := binary.BigEndian.Uint32(data[9:13])

	if uint64(len(data)) < 13+uint64(payloadLen) {
		return nil, fmt.Errorf("incomplete message: expected %d bytes, got %d", 13+uint64(payloadLen), len(data))
	}

	typeName, ok := typeCodeToName[typeCode]
	if !ok {
		return nil, fmt.Errorf("unknown message type code %#x", byte(typeCode))
	}

	payload := data[13 : 13+payloadLen]
	var header struct {
		ID string `json:"id"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &header); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}

	return &Message{
		Type:      typeName,
		ID:        header.ID,
		Timestamp: timestamp,
		Payload:   json.RawMessage(payload),
	}, nil
}

// DecodePayload unmarshals the message payload into v
func (m *Message) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", m.Type, err)
	}
	return nil
}
