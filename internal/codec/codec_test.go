package codec

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Envelope{
		{Kind: KindMessaging, RoomID: "r1", Payload: []byte(`{"text":"hello"}`)},
		{Kind: KindJoin, RoomID: "lobby"},
		{Kind: KindTyping, RoomID: "r2", Payload: []byte{0x00, 0xff, 0x10}},
		{Kind: KindPresence, RoomID: ""},
	}
	for _, want := range cases {
		data, err := Encode(&want)
		if err != nil {
			t.Fatalf("Encode(%v) returned error: %v", want.Kind, err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode returned error: %v", err)
		}
		if got.Kind != want.Kind || got.RoomID != want.RoomID || !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
		}
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	valid, err := Encode(&Envelope{Kind: KindMessaging, RoomID: "r1", Payload: []byte("x")})
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}

	cases := map[string][]byte{
		"empty":     nil,
		"garbage":   {0xff, 0xff, 0xff, 0xff},
		"truncated": valid[:len(valid)-2],
	}
	for name, frame := range cases {
		_, err := Decode(frame)
		if err == nil {
			t.Fatalf("%s: expected decode error", name)
		}
		var protoErr *ProtocolError
		if !errors.As(err, &protoErr) {
			t.Fatalf("%s: expected *ProtocolError, got %T (%v)", name, err, err)
		}
	}
}

func TestDecodeRejectsWrongSchemaVersion(t *testing.T) {
	data, err := Encode(&Envelope{Kind: KindMessaging, RoomID: "r1"})
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	// The version varint follows the first tag byte in the encoded frame.
	data[1] = 0x63
	if _, err := Decode(data); err == nil {
		t.Fatalf("expected version mismatch error")
	}
}

func TestDecodeRequiresTypeTag(t *testing.T) {
	data, err := Encode(&Envelope{Kind: KindMessaging})
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	// Strip everything after the schema version field, leaving no type tag.
	if _, err := Decode(data[:2]); err == nil {
		t.Fatalf("expected missing type tag error")
	}
}

func TestEncodeRequiresKind(t *testing.T) {
	if _, err := Encode(nil); err == nil {
		t.Fatalf("expected error for nil envelope")
	}
	if _, err := Encode(&Envelope{RoomID: "r1"}); err == nil {
		t.Fatalf("expected error for missing kind")
	}
}

func TestKindKnown(t *testing.T) {
	for _, kind := range []Kind{KindJoin, KindLeave, KindMessaging, KindTyping, KindPresence} {
		if !kind.Known() {
			t.Fatalf("expected %q to be a known kind", kind)
		}
	}
	if Kind("exploit").Known() {
		t.Fatalf("unexpected known kind")
	}
}

func TestSchemaVersion(t *testing.T) {
	version, err := SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion returned error: %v", err)
	}
	if version != 1 {
		t.Fatalf("unexpected schema version %d", version)
	}
}
