package agentgrpc

import (
	"encoding/json"

	"google.golang.org/grpc"

	"github.com/rlmgo/rlmgo/internal/domain/entity"
)

// jsonCodec is a minimal grpc/encoding.Codec that marshals RPC messages as
// JSON instead of protobuf wire bytes. completion.proto (api/rlmgo/)
// describes the service and its request; the stream frames are
// StreamCompletionMessage below, whose event and result carry the JSON
// encodings of entity.DriverEvent and entity.ChatCompletion. Forcing this
// codec lets the server and any client agree on that contract without
// running protoc against it.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// StreamCompletionMessage is one frame of the StreamCompletion RPC: an
// in-flight entity.DriverEvent, or, as the final frame, the completion's
// entity.ChatCompletion result.
type StreamCompletionMessage struct {
	Event  *entity.DriverEvent    `json:"event,omitempty"`
	Result *entity.ChatCompletion `json:"result,omitempty"`
}

// CompletionServiceServer is the interface a type must satisfy to be
// registered against completionServiceDesc. It is intentionally empty:
// with no generated protobuf stubs to implement, the real contract is
// enforced by completionServiceStreamCompletionHandler's type assertion
// against *Server instead of by the compiler.
type CompletionServiceServer interface{}

// RegisterCompletionServiceServer wires srv into s the way a generated
// pb.RegisterCompletionServiceServer would, once completion.proto is
// compiled.
func RegisterCompletionServiceServer(s *grpc.Server, srv CompletionServiceServer) {
	s.RegisterService(&completionServiceDesc, srv)
}

var completionServiceDesc = grpc.ServiceDesc{
	ServiceName: "rlmgo.CompletionService",
	HandlerType: (*CompletionServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamCompletion",
			Handler:       completionServiceStreamCompletionHandler,
			ServerStreams: true,
		},
	},
	Metadata: "rlmgo/completion.proto",
}

func completionServiceStreamCompletionHandler(srv interface{}, stream grpc.ServerStream) error {
	var req RunCompletionRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}

	s := srv.(*Server)
	result, err := s.ExecuteCompletion(stream.Context(), &req, func(ev *entity.DriverEvent) error {
		return stream.SendMsg(&StreamCompletionMessage{Event: ev})
	})
	if err != nil {
		return err
	}
	return stream.SendMsg(&StreamCompletionMessage{Result: &result})
}
