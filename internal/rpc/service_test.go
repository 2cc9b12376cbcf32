package rpc

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"chatgrid/gateway/internal/codec"
	"chatgrid/gateway/internal/logging"
)

type fakeBroadcaster struct {
	rooms  []string
	frames [][]byte
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, roomID string, frame []byte) {
	f.rooms = append(f.rooms, roomID)
	f.frames = append(f.frames, frame)
}

type fakePresence struct {
	local      int
	cluster    int64
	clusterErr error
}

func (f *fakePresence) LocalCount(string) int { return f.local }

func (f *fakePresence) ClusterCount(context.Context, string) (int64, error) {
	return f.cluster, f.clusterErr
}

func TestPublishRequestWireRoundTrip(t *testing.T) {
	request := &PublishRequest{
		Envelope: codec.Envelope{
			Kind:    codec.KindMessaging,
			RoomID:  "lobby",
			Payload: []byte("hello"),
		},
		Encoding: "snappy",
	}
	data, err := request.marshalWire()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	decoded := new(PublishRequest)
	if err := decoded.unmarshalWire(data); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.Envelope.Kind != codec.KindMessaging || decoded.Envelope.RoomID != "lobby" {
		t.Fatalf("envelope = %+v", decoded.Envelope)
	}
	if string(decoded.Envelope.Payload) != "hello" || decoded.Encoding != "snappy" {
		t.Fatalf("payload %q encoding %q", decoded.Envelope.Payload, decoded.Encoding)
	}
	if err := new(PublishRequest).unmarshalWire(nil); err == nil {
		t.Fatal("missing envelope accepted")
	}
}

func TestPresenceResponseWireRoundTrip(t *testing.T) {
	response := &PresenceResponse{
		RoomID:          "lobby",
		LocalMembers:    3,
		ClusterMembers:  17,
		ClusterDegraded: true,
	}
	data, err := response.marshalWire()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	decoded := new(PresenceResponse)
	if err := decoded.unmarshalWire(data); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if *decoded != *response {
		t.Fatalf("round trip = %+v, want %+v", decoded, response)
	}
}

func TestRawCodecRejectsForeignTypes(t *testing.T) {
	if _, err := Codec().Marshal("not a message"); err == nil {
		t.Fatal("marshal accepted a foreign type")
	}
	if err := Codec().Unmarshal(nil, struct{}{}); err == nil {
		t.Fatal("unmarshal accepted a foreign type")
	}
}

func TestCompressorsRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("presence update "), 64)
	for _, name := range []string{"snappy", "zstd"} {
		compressor, ok := CompressorFor(name)
		if !ok {
			t.Fatalf("compressor %q not registered", name)
		}
		if compressor.Name() != name {
			t.Fatalf("Name = %q, want %q", compressor.Name(), name)
		}
		compressed, err := compressor.Compress(payload)
		if err != nil {
			t.Fatalf("%s compress failed: %v", name, err)
		}
		restored, err := compressor.Decompress(compressed)
		if err != nil {
			t.Fatalf("%s decompress failed: %v", name, err)
		}
		if !bytes.Equal(restored, payload) {
			t.Fatalf("%s payload did not round-trip", name)
		}
	}
	if _, ok := CompressorFor("lz4"); ok {
		t.Fatal("unknown compressor resolved")
	}
}

func TestPublishBroadcastsDecodedFrame(t *testing.T) {
	router := &fakeBroadcaster{}
	service := NewService(router, &fakePresence{}, logging.NewTestLogger())
	resp, err := service.Publish(context.Background(), &PublishRequest{
		Envelope: codec.Envelope{
			Kind:    codec.KindMessaging,
			RoomID:  "lobby",
			Payload: []byte("from a collaborator"),
		},
	})
	if err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if !resp.Accepted {
		t.Fatal("publish not accepted")
	}
	if len(router.frames) != 1 || router.rooms[0] != "lobby" {
		t.Fatalf("broadcasts = %v", router.rooms)
	}
	env, err := codec.Decode(router.frames[0])
	if err != nil {
		t.Fatalf("broadcast frame does not decode: %v", err)
	}
	if string(env.Payload) != "from a collaborator" {
		t.Fatalf("payload = %q", env.Payload)
	}
}

func TestPublishDecompressesPayload(t *testing.T) {
	router := &fakeBroadcaster{}
	service := NewService(router, &fakePresence{}, logging.NewTestLogger())
	compressor, _ := CompressorFor("zstd")
	original := bytes.Repeat([]byte("long payload "), 100)
	compressed, err := compressor.Compress(original)
	if err != nil {
		t.Fatalf("compress failed: %v", err)
	}
	if _, err := service.Publish(context.Background(), &PublishRequest{
		Envelope: codec.Envelope{
			Kind:    codec.KindMessaging,
			RoomID:  "lobby",
			Payload: compressed,
		},
		Encoding: "zstd",
	}); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	env, err := codec.Decode(router.frames[0])
	if err != nil {
		t.Fatalf("broadcast frame does not decode: %v", err)
	}
	if !bytes.Equal(env.Payload, original) {
		t.Fatal("payload was not decompressed before broadcast")
	}
}

func TestPublishRejectsBadRequests(t *testing.T) {
	service := NewService(&fakeBroadcaster{}, &fakePresence{}, logging.NewTestLogger())
	cases := []struct {
		name string
		req  *PublishRequest
	}{
		{name: "unknown kind", req: &PublishRequest{
			Envelope: codec.Envelope{Kind: "teleport", RoomID: "lobby"},
		}},
		{name: "missing room", req: &PublishRequest{
			Envelope: codec.Envelope{Kind: codec.KindMessaging},
		}},
		{name: "unknown encoding", req: &PublishRequest{
			Envelope: codec.Envelope{Kind: codec.KindMessaging, RoomID: "lobby"},
			Encoding: "brotli",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := service.Publish(context.Background(), tc.req)
			if status.Code(err) != codes.InvalidArgument {
				t.Fatalf("code = %v, want InvalidArgument", status.Code(err))
			}
		})
	}
}

func TestPresenceDegradesWhenCounterUnavailable(t *testing.T) {
	presence := &fakePresence{local: 4, clusterErr: errors.New("connection refused")}
	service := NewService(&fakeBroadcaster{}, presence, logging.NewTestLogger())
	resp, err := service.Presence(context.Background(), &PresenceRequest{RoomID: "lobby"})
	if err != nil {
		t.Fatalf("Presence returned error: %v", err)
	}
	if !resp.ClusterDegraded {
		t.Fatal("degraded flag not set")
	}
	if resp.LocalMembers != 4 || resp.ClusterMembers != 4 {
		t.Fatalf("counts = %d/%d, want 4/4", resp.LocalMembers, resp.ClusterMembers)
	}

	presence.clusterErr = nil
	presence.cluster = 23
	resp, err = service.Presence(context.Background(), &PresenceRequest{RoomID: "lobby"})
	if err != nil {
		t.Fatalf("Presence returned error: %v", err)
	}
	if resp.ClusterDegraded || resp.ClusterMembers != 23 {
		t.Fatalf("healthy counter produced %+v", resp)
	}
}

func TestSharedSecretInterceptor(t *testing.T) {
	interceptor := newSharedSecretInterceptor("open-sesame")
	passthrough := func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	}
	info := &grpc.UnaryServerInfo{FullMethod: "/" + serviceName + "/Publish"}

	cases := []struct {
		name string
		md   metadata.MD
		want codes.Code
	}{
		{name: "metadata key", md: metadata.Pairs(sharedSecretMetadataKey, "open-sesame"), want: codes.OK},
		{name: "bearer token", md: metadata.Pairs("authorization", "Bearer open-sesame"), want: codes.OK},
		{name: "wrong secret", md: metadata.Pairs(sharedSecretMetadataKey, "guess"), want: codes.Unauthenticated},
		{name: "missing secret", md: metadata.MD{}, want: codes.Unauthenticated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := metadata.NewIncomingContext(context.Background(), tc.md)
			_, err := interceptor(ctx, nil, info, passthrough)
			if status.Code(err) != tc.want {
				t.Fatalf("code = %v, want %v", status.Code(err), tc.want)
			}
		})
	}

	_, err := interceptor(context.Background(), nil, info, passthrough)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("no metadata context: code = %v", status.Code(err))
	}
}
