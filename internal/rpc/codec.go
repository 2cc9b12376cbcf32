package rpc

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName identifies the raw wire codec on the gRPC server.
const CodecName = "gateway-raw"

// rawCodec serialises wireMessage payloads directly, bypassing protobuf
// reflection entirely.
type rawCodec struct{}

// Codec returns the codec the collaborator server is forced onto.
func Codec() encoding.Codec { return rawCodec{} }

func (rawCodec) Name() string { return CodecName }

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	msg, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("rpc: cannot marshal %T", v)
	}
	return msg.marshalWire()
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	msg, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("rpc: cannot unmarshal into %T", v)
	}
	return msg.unmarshalWire(data)
}
