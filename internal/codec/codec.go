// Package codec implements the gateway's binary wire format. Envelopes are
// encoded with the protobuf wire encoding; the field layout is driven by a
// single canonical schema definition embedded in the binary and shared by all
// gateway processes.
package codec

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"
)

//go:embed schema.json
var schemaDefinition []byte

// Kind discriminates how a decoded envelope is routed.
type Kind string

const (
	KindJoin      Kind = "join"
	KindLeave     Kind = "leave"
	KindMessaging Kind = "messaging"
	KindTyping    Kind = "typing"
	KindPresence  Kind = "presence"
)

// Known reports whether the kind belongs to the closed routing set.
func (k Kind) Known() bool {
	switch k {
	case KindJoin, KindLeave, KindMessaging, KindTyping, KindPresence:
		return true
	default:
		return false
	}
}

// Envelope is the decoded unit of wire traffic. Payload bytes are opaque to the
// gateway and interpreted only by the collaborator handler for the kind.
type Envelope struct {
	Kind    Kind
	RoomID  string
	Payload []byte
}

// ProtocolError wraps a wire-level decode or encode failure. Decode failures are
// reported back to the sender as a typed error frame; the connection stays open.
type ProtocolError struct {
	Reason string
	Cause  error
}

func (e *ProtocolError) Error() string {
	if e == nil {
		return "protocol error"
	}
	if e.Cause != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func protocolErrorf(cause error, format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...), Cause: cause}
}

// schema describes the wire field layout for one schema version.
type schema struct {
	Version      uint64
	VersionField protowire.Number
	KindField    protowire.Number
	RoomField    protowire.Number
	PayloadField protowire.Number
}

// loadSchema parses the embedded definition exactly once. Concurrent first
// callers share the single in-flight load and all see the same result.
var loadSchema = sync.OnceValues(parseSchema)

func parseSchema() (*schema, error) {
	var raw struct {
		Version uint64           `json:"version"`
		Fields  map[string]int32 `json:"fields"`
	}
	if err := json.Unmarshal(schemaDefinition, &raw); err != nil {
		return nil, fmt.Errorf("parse schema definition: %w", err)
	}
	if raw.Version == 0 {
		return nil, errors.New("schema definition missing version")
	}
	lookup := func(name string) (protowire.Number, error) {
		value, ok := raw.Fields[name]
		if !ok || value <= 0 {
			return 0, fmt.Errorf("schema definition missing field %q", name)
		}
		return protowire.Number(value), nil
	}
	parsed := &schema{Version: raw.Version}
	var err error
	if parsed.VersionField, err = lookup("schema_version"); err != nil {
		return nil, err
	}
	if parsed.KindField, err = lookup("type"); err != nil {
		return nil, err
	}
	if parsed.RoomField, err = lookup("room_id"); err != nil {
		return nil, err
	}
	if parsed.PayloadField, err = lookup("payload"); err != nil {
		return nil, err
	}
	return parsed, nil
}

// SchemaVersion returns the version of the loaded wire schema.
func SchemaVersion() (uint64, error) {
	s, err := loadSchema()
	if err != nil {
		return 0, err
	}
	return s.Version, nil
}

// Encode serialises the envelope into its binary wire representation.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("envelope required")
	}
	if env.Kind == "" {
		return nil, errors.New("envelope kind required")
	}
	s, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("wire schema unavailable: %w", err)
	}

	buf := make([]byte, 0, 16+len(env.Kind)+len(env.RoomID)+len(env.Payload))
	buf = protowire.AppendTag(buf, s.VersionField, protowire.VarintType)
	buf = protowire.AppendVarint(buf, s.Version)
	buf = protowire.AppendTag(buf, s.KindField, protowire.BytesType)
	buf = protowire.AppendString(buf, string(env.Kind))
	buf = protowire.AppendTag(buf, s.RoomField, protowire.BytesType)
	buf = protowire.AppendString(buf, env.RoomID)
	if len(env.Payload) > 0 {
		buf = protowire.AppendTag(buf, s.PayloadField, protowire.BytesType)
		buf = protowire.AppendBytes(buf, env.Payload)
	}
	return buf, nil
}

// Decode parses a binary frame into an envelope. Malformed input yields a
// *ProtocolError; callers must not let it escape past the sender notification.
func Decode(data []byte) (*Envelope, error) {
	s, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("wire schema unavailable: %w", err)
	}
	if len(data) == 0 {
		return nil, protocolErrorf(nil, "empty frame")
	}

	env := &Envelope{}
	var sawVersion, sawKind bool
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protocolErrorf(protowire.ParseError(n), "malformed field tag")
		}
		data = data[n:]

		switch num {
		case s.VersionField:
			version, n := protowire.ConsumeVarint(data)
			if n < 0 || typ != protowire.VarintType {
				return nil, protocolErrorf(protowire.ParseError(n), "malformed schema version")
			}
			if version != s.Version {
				return nil, protocolErrorf(nil, "unsupported schema version %d (want %d)", version, s.Version)
			}
			sawVersion = true
			data = data[n:]
		case s.KindField:
			value, n := protowire.ConsumeString(data)
			if n < 0 || typ != protowire.BytesType {
				return nil, protocolErrorf(protowire.ParseError(n), "malformed type tag")
			}
			env.Kind = Kind(value)
			sawKind = true
			data = data[n:]
		case s.RoomField:
			value, n := protowire.ConsumeString(data)
			if n < 0 || typ != protowire.BytesType {
				return nil, protocolErrorf(protowire.ParseError(n), "malformed room id")
			}
			env.RoomID = value
			data = data[n:]
		case s.PayloadField:
			value, n := protowire.ConsumeBytes(data)
			if n < 0 || typ != protowire.BytesType {
				return nil, protocolErrorf(protowire.ParseError(n), "malformed payload")
			}
			env.Payload = append([]byte(nil), value...)
			data = data[n:]
		default:
			// Unknown fields from newer schema revisions are skipped, not fatal.
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protocolErrorf(protowire.ParseError(n), "malformed unknown field %d", num)
			}
			data = data[n:]
		}
	}

	if !sawVersion {
		return nil, protocolErrorf(nil, "frame missing schema version")
	}
	if !sawKind || env.Kind == "" {
		return nil, protocolErrorf(nil, "frame missing type tag")
	}
	return env, nil
}
