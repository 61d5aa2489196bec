package relay

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xdao.co/txflow/session"
)

// Server exposes a session.Endpoint over the Relay gRPC service.
type Server struct {
	UnimplementedRelayServer
	Endpoint session.Endpoint
}

func (s *Server) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error) {
	if s == nil || s.Endpoint == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing endpoint")
	}
	from, frame, err := decodeEnvelope(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "malformed relay envelope")
	}
	if err := s.Endpoint.HandleFrame(ctx, from, frame); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bool(true), nil
}
