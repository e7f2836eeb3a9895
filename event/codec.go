package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Encode serializes the event envelope to its JSON wire form.
func Encode(e *Event) ([]byte, error) {
	if e == nil {
		return nil, &ValidationError{Reason: "event is required"}
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return b, nil
}

// Decode deserializes a wire envelope and re-types its payload from the
// closed event type set. Events of unknown type fail with a ValidationError
// so malformed producer data never propagates past the backend boundary.
func Decode(b []byte) (*Event, error) {
	var env struct {
		ID        string          `json:"id"`
		Type      Type            `json:"type"`
		RunID     string          `json:"run_id"`
		Sequence  uint64          `json:"sequence"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if !env.Type.Known() {
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown event type %q", env.Type)}
	}
	payload, err := decodePayload(env.Type, env.Payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        env.ID,
		Type:      env.Type,
		RunID:     env.RunID,
		Sequence:  env.Sequence,
		Timestamp: env.Timestamp,
		Payload:   payload,
	}, nil
}

func decodePayload(t Type, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var (
		payload any
		err     error
	)
	switch t {
	case TypeStarted:
		payload, err = unmarshalPayload[StartedPayload](raw)
	case TypeProgress:
		payload, err = unmarshalPayload[ProgressPayload](raw)
	case TypeCheckpoint:
		payload, err = unmarshalPayload[CheckpointPayload](raw)
	case TypeToken:
		payload, err = unmarshalPayload[TokenPayload](raw)
	case TypeStep:
		payload, err = unmarshalPayload[StepPayload](raw)
	case TypeComplete:
		payload, err = unmarshalPayload[CompletePayload](raw)
	case TypeError:
		payload, err = unmarshalPayload[ErrorPayload](raw)
	case TypeCancelled:
		payload, err = unmarshalPayload[CancelledPayload](raw)
	case TypeHeartbeat:
		payload, err = unmarshalPayload[HeartbeatPayload](raw)
	case TypeCustom:
		payload, err = unmarshalPayload[CustomPayload](raw)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return payload, nil
}

func unmarshalPayload[T any](raw json.RawMessage) (T, error) {
	var p T
	err := json.Unmarshal(raw, &p)
	return p, err
}
