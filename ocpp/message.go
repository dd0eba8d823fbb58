package ocpp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType is the numeric discriminant leading every OCPP-J envelope.
type MessageType int

const (
	MessageTypeCall       MessageType = 2
	MessageTypeCallResult MessageType = 3
	MessageTypeCallError  MessageType = 4
)

// ErrMalformedEnvelope reports a wire message that does not match any of the
// three OCPP-J envelope shapes. It is answered in-protocol, never by closing
// the connection.
var ErrMalformedEnvelope = errors.New("malformed OCPP-J envelope")

// Call is an inbound or outbound request: [2, messageId, action, payload].
type Call struct {
	MessageID string
	Action    string
	Payload   json.RawMessage
}

// CallResult is a successful reply: [3, messageId, payload].
type CallResult struct {
	MessageID string
	Payload   json.RawMessage
}

// CallError is a failure reply: [4, messageId, errorCode, description, details].
type CallError struct {
	MessageID   string
	Code        ErrorCode
	Description string
	Details     json.RawMessage
}

// DecodeMessage parses a raw OCPP-J frame into *Call, *CallResult or
// *CallError. Any structural mismatch yields ErrMalformedEnvelope.
func DecodeMessage(data []byte) (interface{}, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(data, &elements); err != nil {
		return nil, fmt.Errorf("%w: not a JSON array", ErrMalformedEnvelope)
	}
	if len(elements) < 3 {
		return nil, fmt.Errorf("%w: %d elements", ErrMalformedEnvelope, len(elements))
	}

	var typeID int
	if err := json.Unmarshal(elements[0], &typeID); err != nil {
		return nil, fmt.Errorf("%w: non-numeric message type", ErrMalformedEnvelope)
	}
	var messageID string
	if err := json.Unmarshal(elements[1], &messageID); err != nil {
		return nil, fmt.Errorf("%w: non-string message id", ErrMalformedEnvelope)
	}

	switch MessageType(typeID) {
	case MessageTypeCall:
		if len(elements) != 4 {
			return nil, fmt.Errorf("%w: call with %d elements", ErrMalformedEnvelope, len(elements))
		}
		var action string
		if err := json.Unmarshal(elements[2], &action); err != nil || action == "" {
			return nil, fmt.Errorf("%w: missing action", ErrMalformedEnvelope)
		}
		return &Call{MessageID: messageID, Action: action, Payload: elements[3]}, nil

	case MessageTypeCallResult:
		if len(elements) != 3 {
			return nil, fmt.Errorf("%w: result with %d elements", ErrMalformedEnvelope, len(elements))
		}
		return &CallResult{MessageID: messageID, Payload: elements[2]}, nil

	case MessageTypeCallError:
		// Some stations omit the trailing details element.
		if len(elements) != 4 && len(elements) != 5 {
			return nil, fmt.Errorf("%w: error with %d elements", ErrMalformedEnvelope, len(elements))
		}
		var code string
		if err := json.Unmarshal(elements[2], &code); err != nil {
			return nil, fmt.Errorf("%w: non-string error code", ErrMalformedEnvelope)
		}
		ce := &CallError{MessageID: messageID, Code: ErrorCode(code)}
		// The description slot may legitimately hold an object on some
		// 2.0.1 stacks; keep whatever string form it has.
		var description string
		if err := json.Unmarshal(elements[3], &description); err == nil {
			ce.Description = description
		} else {
			ce.Description = string(elements[3])
		}
		if len(elements) == 5 {
			ce.Details = elements[4]
		}
		return ce, nil

	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrMalformedEnvelope, typeID)
	}
}

// ExtractMessageID salvages the message id from a frame that failed to
// decode, so a malformed call can still be answered in-protocol. Returns
// false when even the id is unreadable.
func ExtractMessageID(data []byte) (string, bool) {
	var elements []json.RawMessage
	if err := json.Unmarshal(data, &elements); err != nil || len(elements) < 2 {
		return "", false
	}
	var messageID string
	if err := json.Unmarshal(elements[1], &messageID); err != nil || messageID == "" {
		return "", false
	}
	return messageID, true
}

// EncodeCall builds a [2, messageId, action, payload] frame.
func EncodeCall(messageID, action string, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	return json.Marshal([]interface{}{MessageTypeCall, messageID, action, payload})
}

// EncodeCallResult builds a [3, messageId, payload] frame.
func EncodeCallResult(messageID string, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	return json.Marshal([]interface{}{MessageTypeCallResult, messageID, payload})
}

// EncodeCallError builds a [4, messageId, errorCode, description, details] frame.
func EncodeCallError(messageID string, code ErrorCode, description string, details interface{}) ([]byte, error) {
	if details == nil {
		details = struct{}{}
	}
	return json.Marshal([]interface{}{MessageTypeCallError, messageID, code, description, details})
}
