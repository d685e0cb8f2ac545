// Package envelope defines the wire schema for entries exchanged between
// client endpoints and the router: a small set of reserved fields plus an
// arbitrary flat payload, matching the transport's field-map entries.
package envelope

import (
	"time"

	"github.com/google/uuid"

	"github.com/c360/syncstream/errors"
)

// Kind discriminates envelope types on the shared inbound stream.
type Kind string

const (
	// KindRegister announces that a user is active on an endpoint.
	KindRegister Kind = "register"
	// KindMessage carries a payload for the processing hook.
	KindMessage Kind = "message"
	// KindResponse carries a processing result fanned out to endpoint streams.
	KindResponse Kind = "response"
)

// Reserved field names. Payload keys must not collide with these.
const (
	FieldKind           = "type"
	FieldUserID         = "user_id"
	FieldEndpointID     = "endpoint_id"
	FieldOriginEndpoint = "origin_endpoint_id"
	FieldCorrelationID  = "correlation_id"
	FieldSentAt         = "sent_at"
)

var reserved = map[string]struct{}{
	FieldKind:           {},
	FieldUserID:         {},
	FieldEndpointID:     {},
	FieldOriginEndpoint: {},
	FieldCorrelationID:  {},
	FieldSentAt:         {},
}

// IsReserved reports whether a field name is part of the envelope schema.
func IsReserved(name string) bool {
	_, ok := reserved[name]
	return ok
}

// Envelope is the logical message written into a stream entry.
//
// OriginEndpoint is set only on responses: it echoes the endpoint the
// triggering message came from so receivers can label cross-endpoint-synced
// results. CorrelationID ties a response back to the send that caused it;
// concurrent sends from one endpoint are otherwise indistinguishable.
type Envelope struct {
	Kind           Kind
	UserID         string
	EndpointID     string
	OriginEndpoint string
	CorrelationID  string
	SentAt         time.Time
	Payload        map[string]string
}

// NewRegister builds a session registration envelope.
func NewRegister(userID, endpointID string) Envelope {
	return Envelope{
		Kind:       KindRegister,
		UserID:     userID,
		EndpointID: endpointID,
		SentAt:     time.Now().UTC(),
	}
}

// NewMessage builds a message envelope with a fresh correlation ID.
func NewMessage(userID, endpointID string, payload map[string]string) Envelope {
	return Envelope{
		Kind:          KindMessage,
		UserID:        userID,
		EndpointID:    endpointID,
		CorrelationID: uuid.NewString(),
		SentAt:        time.Now().UTC(),
		Payload:       payload,
	}
}

// NewResponse builds a response envelope echoing the origin endpoint and
// correlation ID of the message it answers.
func NewResponse(m Envelope, result map[string]string) Envelope {
	return Envelope{
		Kind:           KindResponse,
		UserID:         m.UserID,
		EndpointID:     m.EndpointID,
		OriginEndpoint: m.EndpointID,
		CorrelationID:  m.CorrelationID,
		SentAt:         time.Now().UTC(),
		Payload:        result,
	}
}

// Validate checks structural invariants shared by all kinds.
func (e Envelope) Validate() error {
	switch e.Kind {
	case KindRegister, KindMessage, KindResponse:
	default:
		return errors.WrapInvalid(errors.ErrInvalidEnvelope, "Envelope", "Validate", "unknown kind "+string(e.Kind))
	}
	if e.UserID == "" {
		return errors.WrapInvalid(errors.ErrMissingUser, "Envelope", "Validate", "check user")
	}
	if e.EndpointID == "" {
		return errors.WrapInvalid(errors.ErrMissingEndpoint, "Envelope", "Validate", "check endpoint")
	}
	for k := range e.Payload {
		if IsReserved(k) {
			return errors.WrapInvalid(errors.ErrReservedField, "Envelope", "Validate", k)
		}
	}
	return nil
}

// Fields flattens the envelope into transport entry fields. Payload keys are
// written alongside the reserved fields, so Validate must pass first.
func (e Envelope) Fields() (map[string]string, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	fields := make(map[string]string, len(e.Payload)+6)
	for k, v := range e.Payload {
		fields[k] = v
	}
	fields[FieldKind] = string(e.Kind)
	fields[FieldUserID] = e.UserID
	fields[FieldEndpointID] = e.EndpointID
	if e.OriginEndpoint != "" {
		fields[FieldOriginEndpoint] = e.OriginEndpoint
	}
	if e.CorrelationID != "" {
		fields[FieldCorrelationID] = e.CorrelationID
	}
	if !e.SentAt.IsZero() {
		fields[FieldSentAt] = e.SentAt.UTC().Format(time.RFC3339Nano)
	}
	return fields, nil
}

// ParseFields reconstructs an envelope from transport entry fields. Unknown
// fields become payload entries; a missing or unknown kind defaults to
// message for compatibility with writers that omit it.
func ParseFields(fields map[string]string) (Envelope, error) {
	e := Envelope{
		Kind:           Kind(fields[FieldKind]),
		UserID:         fields[FieldUserID],
		EndpointID:     fields[FieldEndpointID],
		OriginEndpoint: fields[FieldOriginEndpoint],
		CorrelationID:  fields[FieldCorrelationID],
	}
	if e.Kind == "" {
		e.Kind = KindMessage
	}
	if raw, ok := fields[FieldSentAt]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			e.SentAt = ts
		}
	}

	for k, v := range fields {
		if IsReserved(k) {
			continue
		}
		if e.Payload == nil {
			e.Payload = make(map[string]string)
		}
		e.Payload[k] = v
	}

	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
