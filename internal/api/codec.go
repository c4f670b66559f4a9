package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/taskchat/internal/chat"
)

// toStruct converts v to a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes s into v. A nil Struct leaves v untouched.
func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// decodeRequest is fromStruct for the server side; bad input is InvalidArgument.
func decodeRequest(s *structpb.Struct, v any) error {
	if err := fromStruct(s, v); err != nil {
		return grpcstatus.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return nil
}

func reply(v any) (*structpb.Struct, error) {
	s, err := toStruct(v)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return s, nil
}

// toStatus maps the chat error taxonomy onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	code := codes.Unknown
	switch {
	case chat.IsValidation(err):
		code = codes.InvalidArgument
	case chat.IsAuth(err):
		code = codes.Unauthenticated
	case chat.IsNetwork(err):
		code = codes.Unavailable
	case chat.IsServer(err):
		code = codes.Internal
	case errors.Is(err, chat.ErrNoConversation):
		code = codes.FailedPrecondition
	case errors.Is(err, chat.ErrStaleResponse):
		code = codes.Aborted
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return grpcstatus.Error(code, err.Error())
}
