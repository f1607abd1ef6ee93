package firestore

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/convolog/pkg/domain/model"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// classify wraps err with the taxonomy sentinel matching its gRPC status
func classify(err error, msg string, opts ...goerr.Option) error {
	if err == nil {
		return nil
	}

	var sentinel error
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Internal:
		sentinel = model.ErrTransientStore
	case codes.Aborted:
		sentinel = model.ErrConcurrencyConflict
	case codes.InvalidArgument:
		sentinel = model.ErrValidation
	}
	if sentinel == nil && errors.Is(err, context.DeadlineExceeded) {
		sentinel = model.ErrTransientStore
	}

	if sentinel != nil {
		return goerr.Wrap(errors.Join(sentinel, err), msg, opts...)
	}
	return goerr.Wrap(err, msg, opts...)
}
