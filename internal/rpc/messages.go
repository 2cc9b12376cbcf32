// Package rpc exposes the collaborator API: a small gRPC surface other
// backend services use to publish room traffic and inspect presence without
// holding a WebSocket. Messages ride the gateway's own wire encoding, so no
// generated stubs are involved.
package rpc

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"chatgrid/gateway/internal/codec"
)

// wireMessage is implemented by every RPC payload so the raw codec can
// serialise them without generated code.
type wireMessage interface {
	marshalWire() ([]byte, error)
	unmarshalWire(data []byte) error
}

const (
	publishEnvelopeField = protowire.Number(1)
	publishEncodingField = protowire.Number(2)

	publishAcceptedField = protowire.Number(1)

	presenceRoomField = protowire.Number(1)

	presenceRespRoomField     = protowire.Number(1)
	presenceRespLocalField    = protowire.Number(2)
	presenceRespClusterField  = protowire.Number(3)
	presenceRespDegradedField = protowire.Number(4)
)

// PublishRequest carries one envelope to broadcast. Encoding names the
// compressor applied to the envelope payload, empty for uncompressed.
type PublishRequest struct {
	Envelope codec.Envelope
	Encoding string
}

func (m *PublishRequest) marshalWire() ([]byte, error) {
	frame, err := codec.Encode(&m.Envelope)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode envelope: %w", err)
	}
	buf := protowire.AppendTag(nil, publishEnvelopeField, protowire.BytesType)
	buf = protowire.AppendBytes(buf, frame)
	if m.Encoding != "" {
		buf = protowire.AppendTag(buf, publishEncodingField, protowire.BytesType)
		buf = protowire.AppendString(buf, m.Encoding)
	}
	return buf, nil
}

func (m *PublishRequest) unmarshalWire(data []byte) error {
	var sawEnvelope bool
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch num {
		case publishEnvelopeField:
			env, err := codec.Decode(value)
			if err != nil {
				return fmt.Errorf("rpc: decode envelope: %w", err)
			}
			m.Envelope = *env
			sawEnvelope = true
		case publishEncodingField:
			m.Encoding = string(value)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !sawEnvelope {
		return errors.New("rpc: publish request missing envelope")
	}
	return nil
}

// PublishResponse acknowledges a broadcast.
type PublishResponse struct {
	Accepted bool
}

func (m *PublishResponse) marshalWire() ([]byte, error) {
	buf := protowire.AppendTag(nil, publishAcceptedField, protowire.VarintType)
	return protowire.AppendVarint(buf, boolVarint(m.Accepted)), nil
}

func (m *PublishResponse) unmarshalWire(data []byte) error {
	return consumeFields(data, func(num protowire.Number, typ protowire.Type, value []byte) error {
		if num == publishAcceptedField && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(value)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Accepted = v != 0
		}
		return nil
	})
}

// PresenceRequest asks for member counts of one room.
type PresenceRequest struct {
	RoomID string
}

func (m *PresenceRequest) marshalWire() ([]byte, error) {
	buf := protowire.AppendTag(nil, presenceRoomField, protowire.BytesType)
	return protowire.AppendString(buf, m.RoomID), nil
}

func (m *PresenceRequest) unmarshalWire(data []byte) error {
	return consumeFields(data, func(num protowire.Number, typ protowire.Type, value []byte) error {
		if num == presenceRoomField {
			m.RoomID = string(value)
		}
		return nil
	})
}

// PresenceResponse reports member counts. ClusterDegraded marks a cluster
// count that could not be read; LocalMembers stays authoritative either way.
type PresenceResponse struct {
	RoomID          string
	LocalMembers    int64
	ClusterMembers  int64
	ClusterDegraded bool
}

func (m *PresenceResponse) marshalWire() ([]byte, error) {
	buf := protowire.AppendTag(nil, presenceRespRoomField, protowire.BytesType)
	buf = protowire.AppendString(buf, m.RoomID)
	buf = protowire.AppendTag(buf, presenceRespLocalField, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.LocalMembers))
	buf = protowire.AppendTag(buf, presenceRespClusterField, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.ClusterMembers))
	buf = protowire.AppendTag(buf, presenceRespDegradedField, protowire.VarintType)
	buf = protowire.AppendVarint(buf, boolVarint(m.ClusterDegraded))
	return buf, nil
}

func (m *PresenceResponse) unmarshalWire(data []byte) error {
	return consumeFields(data, func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch num {
		case presenceRespRoomField:
			m.RoomID = string(value)
		case presenceRespLocalField, presenceRespClusterField, presenceRespDegradedField:
			if typ != protowire.VarintType {
				return fmt.Errorf("rpc: field %d has unexpected wire type %d", num, typ)
			}
			v, n := protowire.ConsumeVarint(value)
			if n < 0 {
				return protowire.ParseError(n)
			}
			switch num {
			case presenceRespLocalField:
				m.LocalMembers = int64(v)
			case presenceRespClusterField:
				m.ClusterMembers = int64(v)
			case presenceRespDegradedField:
				m.ClusterDegraded = v != 0
			}
		}
		return nil
	})
}

// consumeFields walks a wire-encoded buffer and hands each field to visit.
// Bytes fields arrive unwrapped; varint fields arrive as the raw varint slice.
func consumeFields(data []byte, visit func(num protowire.Number, typ protowire.Type, value []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch typ {
		case protowire.BytesType:
			value, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := visit(num, typ, value); err != nil {
				return err
			}
			data = data[n:]
		case protowire.VarintType:
			_, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := visit(num, typ, data[:n]); err != nil {
				return err
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}

func boolVarint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
