// Package protocol defines the envelope exchanged between the editor and the
// session server over the WebSocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Type is the envelope discriminator.
type Type string

// Inbound message types
const (
	TypeRun          Type = "run"
	TypeTerminate    Type = "terminate"
	TypeGetConfig    Type = "get_config"
	TypeUpdateConfig Type = "update_config"
)

// Outbound message types. update_config doubles as the configuration reply.
const (
	TypeStdout     Type = "execution_success"
	TypeStderr     Type = "execution_failed"
	TypeTerminated Type = "terminated"
)

// Envelope is the wire unit: {"type": ..., "message": ...}.
type Envelope struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
}

// New builds an envelope.
func New(t Type, message string) Envelope {
	return Envelope{Type: t, Message: message}
}

// Encode serializes an envelope for the wire.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", env.Type, err)
	}
	return data, nil
}

// inbound mirrors Envelope for decoding. Message is a pointer so that a
// missing field can be told apart from an empty string.
type inbound struct {
	Type    string  `json:"type" validate:"required,oneof=run terminate get_config update_config"`
	Message *string `json:"message" validate:"required"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeError describes why an inbound frame was rejected.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid message: %s: %v", e.Reason, e.Err)
	}
	return "invalid message: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decode parses and validates an inbound frame.
func Decode(data []byte) (Envelope, error) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return Envelope{}, &DecodeError{Reason: fmt.Sprintf("field %q must be a string", typeErr.Field)}
		}
		return Envelope{}, &DecodeError{Reason: "failed to parse JSON", Err: err}
	}

	if err := validate.Struct(in); err != nil {
		return Envelope{}, &DecodeError{Reason: describeValidation(err)}
	}

	return Envelope{Type: Type(in.Type), Message: *in.Message}, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("missing %q field", field))
		case "oneof":
			parts = append(parts, fmt.Sprintf("unknown message type %q", fe.Value()))
		default:
			parts = append(parts, fmt.Sprintf("field %q failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, ", ")
}
