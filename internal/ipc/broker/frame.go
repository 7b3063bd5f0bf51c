// Package broker relays ipc pub/sub traffic between processes over a single
// gRPC bidirectional stream per process. The master process runs a Server;
// workers Dial it. The master attaches its own Manager with Server.Local.
//
// Frames are *structpb.Struct values so no generated code is needed:
//
//	{op: "sub"|"unsub", channel, id}   client -> server
//	{op: "pub", channel, payload}      client -> server
//	{op: "ack", id}                    server -> client
//	{op: "msg", channel, payload}      server -> client
//
// Payloads are base64 encoded.
package broker

import (
	"encoding/base64"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	opSub   = "sub"
	opUnsub = "unsub"
	opPub   = "pub"
	opAck   = "ack"
	opMsg   = "msg"
)

const relayMethod = "/magx.ipc.Broker/Relay"

type relayServer interface {
	relay(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "magx.ipc.Broker",
	HandlerType: (*relayServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Relay",
			Handler:       func(srv any, stream grpc.ServerStream) error { return srv.(relayServer).relay(stream) },
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "magx/ipc/broker",
}

type frame struct {
	Op      string
	Channel string
	ID      float64
	Payload []byte
}

func (f frame) toStruct() *structpb.Struct {
	fields := map[string]*structpb.Value{
		"op": structpb.NewStringValue(f.Op),
	}
	if f.Channel != "" {
		fields["channel"] = structpb.NewStringValue(f.Channel)
	}
	if f.ID != 0 {
		fields["id"] = structpb.NewNumberValue(f.ID)
	}
	if f.Payload != nil {
		fields["payload"] = structpb.NewStringValue(base64.StdEncoding.EncodeToString(f.Payload))
	}
	return &structpb.Struct{Fields: fields}
}

func parseFrame(s *structpb.Struct) (frame, error) {
	fields := s.GetFields()
	f := frame{
		Op:      fields["op"].GetStringValue(),
		Channel: fields["channel"].GetStringValue(),
		ID:      fields["id"].GetNumberValue(),
	}
	if f.Op == "" {
		return f, fmt.Errorf("frame without op")
	}
	if p, ok := fields["payload"]; ok {
		raw, err := base64.StdEncoding.DecodeString(p.GetStringValue())
		if err != nil {
			return f, fmt.Errorf("decoding %s payload: %w", f.Op, err)
		}
		f.Payload = raw
	}
	return f, nil
}
