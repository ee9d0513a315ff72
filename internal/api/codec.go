package api

import (
	"encoding/json"
	"errors"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kontalk/konk/internal/account"
	"github.com/kontalk/konk/internal/control"
	"github.com/kontalk/konk/internal/store"
)

// encode turns v into a Struct through its JSON form.
func encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

// decode fills v from s. A nil Struct leaves v untouched.
func decode(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func reply(v any) (*structpb.Struct, error) {
	s, err := encode(v)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return s, nil
}

func request(s *structpb.Struct, v any) error {
	if err := decode(s, v); err != nil {
		return grpcstatus.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return nil
}

// toStatus maps domain errors to gRPC codes.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	code := codes.Internal
	switch {
	case errors.Is(err, control.ErrNotConnected), errors.Is(err, control.ErrShuttingDown):
		code = codes.Unavailable
	case errors.Is(err, control.ErrInvalidChat), errors.Is(err, control.ErrNoRecipients),
		errors.Is(err, account.ErrNoAccount):
		code = codes.FailedPrecondition
	case errors.Is(err, store.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, account.ErrPasswordRequired), errors.Is(err, account.ErrLoadKey):
		code = codes.Unauthenticated
	case errors.Is(err, account.ErrAborted):
		code = codes.Canceled
	case account.IsUserError(err):
		code = codes.InvalidArgument
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}
