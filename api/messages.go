package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// MessageKind identifies a wire envelope type
type MessageKind string

const (
	// MessageKindPing is a client keepalive probe, answered with pong
	MessageKindPing MessageKind = "ping"
	// MessageKindPong is the server reply to ping
	MessageKindPong MessageKind = "pong"
	// MessageKindCursor carries a cursor position update
	MessageKindCursor MessageKind = "cursor"
	// MessageKindSelection carries a selection range update
	MessageKindSelection MessageKind = "selection"
	// MessageKindEdit carries a field value change
	MessageKindEdit MessageKind = "edit"
	// MessageKindPresence carries join/leave/profile updates
	MessageKindPresence MessageKind = "presence"
	// MessageKindSync carries the full room snapshot
	MessageKindSync MessageKind = "sync"
	// MessageKindLock requests or announces an element edit lock
	MessageKindLock MessageKind = "lock"
	// MessageKindUnlock releases or announces release of an element lock
	MessageKindUnlock MessageKind = "unlock"
	// MessageKindLockDenied is sent only to a requester whose lock attempt failed
	MessageKindLockDenied MessageKind = "lockDenied"
)

// inboundKinds is the closed set of message types clients may send.
// lockDenied, pong and the join-time sync are server-generated.
var inboundKinds = map[MessageKind]bool{
	MessageKindPing:      true,
	MessageKindCursor:    true,
	MessageKindSelection: true,
	MessageKindEdit:      true,
	MessageKindPresence:  true,
	MessageKindSync:      true,
	MessageKindLock:      true,
	MessageKindUnlock:    true,
}

// Envelope is the wire format for every frame in both directions.
// UserID and Timestamp are server-stamped on outbound frames; inbound values
// are informative only and never trusted.
type Envelope struct {
	Type      MessageKind     `json:"type"`
	UserID    string          `json:"userId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// EditPayload is the data object for edit messages
type EditPayload struct {
	Sight   string          `json:"sight"`
	Type    string          `json:"type"`
	Value   json.RawMessage `json:"value"`
	Version int64           `json:"version,omitempty"`
}

// LockPayload is the data object for lock and unlock messages
type LockPayload struct {
	Element string `json:"element"`
}

// LockDeniedPayload is sent only to the requester of a failed lock attempt
type LockDeniedPayload struct {
	Element string `json:"element"`
	Owner   string `json:"owner"`
}

// PresencePayload is the data object for presence messages
type PresencePayload struct {
	Action string `json:"action,omitempty"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	Color  string `json:"color,omitempty"`
}

// Message rejection reasons, used for logging and metrics. Rejections are
// silent at the protocol level.
var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrRateLimited    = errors.New("session message rate limit exceeded")
	ErrMalformedFrame = errors.New("frame is not a valid envelope")
	ErrUnknownKind    = errors.New("message type is not allowed")
	ErrInvalidEdit    = errors.New("edit payload is invalid")
)

// elementIDPattern constrains element identifiers in edit/lock payloads
var elementIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// supportedEditorTypes is the set of editor widgets whose values the room
// will hold. Edits declaring any other type are dropped.
var supportedEditorTypes = map[string]bool{
	"text":     true,
	"richtext": true,
	"number":   true,
	"date":     true,
	"select":   true,
	"checkbox": true,
	"image":    true,
	"file":     true,
	"link":     true,
	"color":    true,
	"json":     true,
}

// Validator enforces the frame-level checks that precede any state mutation
type Validator struct {
	maxFrameBytes int64
}

// NewValidator creates a validator with the given frame size cap
func NewValidator(maxFrameBytes int64) *Validator {
	return &Validator{maxFrameBytes: maxFrameBytes}
}

// Decode parses and validates one inbound frame. The size check runs first so
// oversized garbage is never parsed. The rate limit check is the caller's
// responsibility because the window lives on the session.
func (v *Validator) Decode(frame []byte) (*Envelope, error) {
	if int64(len(frame)) > v.maxFrameBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if !inboundKinds[env.Type] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}

	if env.Type == MessageKindEdit {
		if err := v.validateEdit(env.Data); err != nil {
			return nil, err
		}
	}
	return &env, nil
}

// validateEdit checks the edit-specific payload schema
func (v *Validator) validateEdit(data json.RawMessage) (err error) {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidEdit)
	}
	var payload EditPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEdit, err)
	}
	if !elementIDPattern.MatchString(payload.Sight) {
		return fmt.Errorf("%w: bad element identifier %q", ErrInvalidEdit, payload.Sight)
	}
	if !supportedEditorTypes[payload.Type] {
		return fmt.Errorf("%w: unsupported editor type %q", ErrInvalidEdit, payload.Type)
	}
	return nil
}

// ValidElementID reports whether id is an acceptable element identifier
func ValidElementID(id string) bool {
	return elementIDPattern.MatchString(id)
}

// newEnvelope builds a server-stamped outbound envelope
func newEnvelope(kind MessageKind, userID string, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return &Envelope{
		Type:      kind,
		UserID:    userID,
		Data:      raw,
		Timestamp: time.Now().UTC().UnixMilli(),
	}, nil
}
