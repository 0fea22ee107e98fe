// Package event defines the closed set of inbound and outbound relay events
// and their JSON envelope.
//
// Every frame on the wire is an Envelope: {"event": "<name>", "data": <payload>}.
// Inbound payloads are decoded into one concrete type per event name and
// validated for required fields before they reach the session coordinator.
package event

import (
	"encoding/json"

	"github.com/pkg/errors"
)

var (
	// ErrUnknownEvent is returned for an envelope whose name is not an inbound event.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrMalformed is returned when a payload cannot be decoded or misses a required field.
	ErrMalformed = errors.New("malformed event")
)

// Envelope is the wire frame shared by both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode serializes an outbound event into an envelope.
func Encode(o Outbound) ([]byte, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", o.Name())
	}
	payload, err := json.Marshal(Envelope{Event: o.Name(), Data: data})
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s envelope", o.Name())
	}
	return payload, nil
}

// Decode parses one inbound frame and validates its shape.
func Decode(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if env.Event == "" {
		return nil, errors.Wrap(ErrMalformed, "missing event name")
	}

	in, err := newInbound(env.Event)
	if err != nil {
		return nil, err
	}
	if err := decodeData(env.Data, in); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "%s: %v", env.Event, err)
	}
	if err := in.Validate(); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "%s: %v", env.Event, err)
	}
	return in, nil
}

func decodeData(data json.RawMessage, in Inbound) error {
	if len(data) == 0 || string(data) == "null" {
		return errors.New("missing data")
	}
	return json.Unmarshal(data, in)
}

// present reports whether an opaque payload carries a value.
func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
