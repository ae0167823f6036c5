package protocol

import (
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/Dancode-188/padsync/internal/ot"
)

func TestMessageTypeCodes(t *testing.T) {
	tests := []struct {
		code MessageTypeCode
		want byte
	}{
		{ATTACH, 0x10},
		{DETACH, 0x11},
		{SNAPSHOT, 0x13},
		{SUBMIT, 0x20},
		{ACK, 0x21},
		{OPERATION, 0x22},
		{PING, 0x30},
		{PONG, 0x31},
		{PEER_JOINED, 0x40},
		{PEER_LEFT, 0x41},
		{RENAME, 0x42},
		{CHAT, 0x43},
		{PEER_RENAMED, 0x44},
		{ERROR, 0xFF},
	}

	for _, tt := range tests {
		if byte(tt.code) != tt.want {
			t.Errorf("MessageTypeCode %v = %#x, want %#x", tt.code, byte(tt.code), tt.want)
		}
	}
}

func TestBidirectionalMapping(t *testing.T) {
	if len(typeNameToCode) != len(typeCodeToName) {
		t.Fatalf("%d names for %d codes", len(typeNameToCode), len(typeCodeToName))
	}
	for code, name := range typeCodeToName {
		gotCode, ok := typeNameToCode[name]
		if !ok {
			t.Errorf("type name %q not found in typeNameToCode", name)
			continue
		}
		if gotCode != code {
			t.Errorf("typeNameToCode[%q] = %#x, want %#x", name, gotCode, code)
		}
	}
}

func TestEncodeMessage(t *testing.T) {
	tests := []struct {
		name        string
		messageType string
		payload     interface{}
		timestamp   int64
		wantCode    MessageTypeCode
	}{
		{
			name:        "ack",
			messageType: TypeAck,
			payload:     AckPayload{Revision: 7},
			timestamp:   1234567890000,
			wantCode:    ACK,
		},
		{
			name:        "operation",
			messageType: TypeOperation,
			payload: OperationPayload{
				Revision:  3,
				SessionID: "s1",
				Operation: ot.New().Retain(2).Insert("hi").Delete(1),
			},
			timestamp: 1234567890000,
			wantCode:  OPERATION,
		},
		{
			name:        "error",
			messageType: TypeError,
			payload:     ErrorPayload{Error: "bad", Code: CodeInvalidMessage},
			timestamp:   1234567890000,
			wantCode:    ERROR,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := EncodeMessage(tt.messageType, tt.payload, tt.timestamp)
			if err != nil {
				t.Fatalf("EncodeMessage() error = %v", err)
			}

			if len(result) < 13 {
				t.Fatalf("EncodeMessage() result length = %d, want >= 13", len(result))
			}

			if typeCode := MessageTypeCode(result[0]); typeCode != tt.wantCode {
				t.Errorf("EncodeMessage() type code = %#x, want %#x", typeCode, tt.wantCode)
			}

			if ts := int64(binary.BigEndian.Uint64(result[1:9])); ts != tt.timestamp {
				t.Errorf("EncodeMessage() timestamp = %d, want %d", ts, tt.timestamp)
			}

			payloadLen := binary.BigEndian.Uint32(result[9:13])
			if int(payloadLen) != len(result)-13 {
				t.Errorf("EncodeMessage() payload length = %d, want %d", payloadLen, len(result)-13)
			}

			var decodedPayload map[string]interface{}
			if err := json.Unmarshal(result[13:], &decodedPayload); err != nil {
				t.Errorf("EncodeMessage() payload is not valid JSON: %v", err)
			}
		})
	}
}

func TestEncodeMessage_RejectsUnknownType(t *testing.T) {
	if _, err := EncodeMessage("delta", AckPayload{}, 0); err == nil {
		t.Error("EncodeMessage() expected error for unknown type, got nil")
	}
}

func TestDecodeMessage_Binary(t *testing.T) {
	payloadBytes := []byte(`{"id":"req-1","revision":4,"operation":[4,"!"]}`)
	timestamp := int64(1234567890000)

	header := make([]byte, 13)
	header[0] = byte(SUBMIT)
	binary.BigEndian.PutUint64(header[1:9], uint64(timestamp))
	binary.BigEndian.PutUint32(header[9:13], uint32(len(payloadBytes)))
	message := append(header, payloadBytes...)

	result, err := DecodeMessage(message)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	if result.Type != TypeSubmit {
		t.Errorf("DecodeMessage() type = %q, want %q", result.Type, TypeSubmit)
	}
	if result.Timestamp != timestamp {
		t.Errorf("DecodeMessage() timestamp = %d, want %d", result.Timestamp, timestamp)
	}
	if result.ID != "req-1" {
		t.Errorf("DecodeMessage() ID = %q, want %q", result.ID, "req-1")
	}

	var submit SubmitPayload
	if err := result.DecodePayload(&submit); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if submit.Revision != 4 || !submit.Operation.Equal(ot.New().Retain(4).Insert("!")) {
		t.Errorf("DecodePayload() = %+v", submit)
	}
}

func TestDecodeMessage_JSON(t *testing.T) {
	message := []byte(`{"type":"attach","id":"test-123","timestamp":1234567890000,"document":"/notes/a.txt","name":"Ann"}`)

	result, err := DecodeMessage(message)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	if result.Type != TypeAttach {
		t.Errorf("DecodeMessage() type = %q, want %q", result.Type, TypeAttach)
	}
	if result.ID != "test-123" || result.Timestamp != 1234567890000 {
		t.Errorf("DecodeMessage() id/timestamp = %q/%d", result.ID, result.Timestamp)
	}

	var attach AttachPayload
	if err := result.DecodePayload(&attach); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if attach.Document != "/notes/a.txt" || attach.Name != "Ann" {
		t.Errorf("DecodePayload() = %+v", attach)
	}
}

func TestDecodeMessage_Rejects(t *testing.T) {
	truncated := make([]byte, 13)
	truncated[0] = byte(PING)
	binary.BigEndian.PutUint32(truncated[9:13], 100)
	truncated = append(truncated, []byte("short")...)

	unknownCode := make([]byte, 13)
	unknownCode[0] = 0x01

	tests := []struct {
		name string
		data []byte
	}{
		{"short binary", []byte{0x30, 0x00, 0x00}},
		{"truncated payload", truncated},
		{"unknown code", unknownCode},
		{"unknown JSON type", []byte(`{"type":"subscribe"}`)},
		{"invalid JSON", []byte(`{"type":`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeMessage(tt.data); err == nil {
				t.Error("DecodeMessage() expected error, got nil")
			}
		})
	}
}

func TestDecodePayload_RejectsBadOperation(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"type":"submit","revision":0,"operation":[0]}`))
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	var submit SubmitPayload
	if err := msg.DecodePayload(&submit); err == nil {
		t.Error("DecodePayload() accepted a zero retain")
	}
}

func TestRoundTrip_AllMessageTypes(t *testing.T) {
	for code, name := range typeCodeToName {
		t.Run(name, func(t *testing.T) {
			timestamp := time.Now().UnixMilli()
			encoded, err := EncodeMessage(name, PeerPayload{SessionID: "s1", Name: "Ann"}, timestamp)
			if err != nil {
				t.Fatalf("EncodeMessage(%q) error = %v", name, err)
			}
			if MessageTypeCode(encoded[0]) != code {
				t.Errorf("code = %#x, want %#x", encoded[0], byte(code))
			}

			decoded, err := DecodeMessage(encoded)
			if err != nil {
				t.Fatalf("DecodeMessage(%q) error = %v", name, err)
			}
			if decoded.Type != name || decoded.Timestamp != timestamp {
				t.Errorf("round trip = %q@%d, want %q@%d", decoded.Type, decoded.Timestamp, name, timestamp)
			}

			var peer PeerPayload
			if err := decoded.DecodePayload(&peer); err != nil || peer.Name != "Ann" {
				t.Errorf("DecodePayload() = %+v, %v", peer, err)
			}
		})
	}
}
