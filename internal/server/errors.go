package server

import (
	"context"
	"errors"

	"PerpEngine/internal/core"
	"PerpEngine/internal/ingestion"
	"PerpEngine/internal/query"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var errBadRequest = errors.New("bad request")

// toStatus maps an engine or shell error to a gRPC status. The HTTP gateway
// derives its status code from the same mapping.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeFor(err), err.Error())
}

func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, core.ErrSequencerStopped), errors.Is(err, query.ErrNoProjections):
		return codes.Unavailable
	case errors.Is(err, ingestion.ErrInvalidCommand), errors.Is(err, errBadRequest):
		return codes.InvalidArgument
	}

	switch core.Category(err) {
	case core.CategoryValidation:
		return codes.InvalidArgument
	case core.CategoryLiveness:
		return codes.FailedPrecondition
	case core.CategoryRace:
		return codes.Aborted
	case core.CategoryFee:
		return codes.ResourceExhausted
	}
	return codes.Internal
}
