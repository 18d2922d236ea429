package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/zephix/governance/internal/types"
)

// Error mapping for every handler:
//   - malformed requests and definitions map to INVALID_ARGUMENT
//   - unknown rule sets, rules and versions map to NOT_FOUND
//   - lost compare-and-swap and version races map to ABORTED (retry)
//   - writes against retired sets or foreign rules map to FAILED_PRECONDITION
//   - context expiry maps to DEADLINE_EXCEEDED / CANCELED
//   - everything else is a storage problem and maps to UNAVAILABLE
var codeFor = []struct {
	err  error
	code codes.Code
}{
	{types.ErrInvalidRequest, codes.InvalidArgument},
	{types.ErrSnapshotTooLarge, codes.InvalidArgument},
	{types.ErrInvalidRuleSet, codes.InvalidArgument},
	{types.ErrInvalidDefinition, codes.InvalidArgument},
	{types.ErrExpressionTooDeep, codes.InvalidArgument},
	{types.ErrExpressionTooLarge, codes.InvalidArgument},
	{types.ErrTooManyInValues, codes.InvalidArgument},
	{types.ErrInvalidOperator, codes.InvalidArgument},
	{types.ErrTypeMismatch, codes.InvalidArgument},
	{types.ErrRuleSetNotFound, codes.NotFound},
	{types.ErrRuleNotFound, codes.NotFound},
	{types.ErrRuleNotConfigured, codes.NotFound},
	{types.ErrConcurrentPointerConflict, codes.Aborted},
	{types.ErrVersionConflict, codes.Aborted},
	{types.ErrRuleSetInactive, codes.FailedPrecondition},
	{types.ErrPointerMismatch, codes.FailedPrecondition},
	{context.DeadlineExceeded, codes.DeadlineExceeded},
	{context.Canceled, codes.Canceled},
}

// toStatus converts a service error into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for _, m := range codeFor {
		if errors.Is(err, m.err) {
			return status.Error(m.code, err.Error())
		}
	}
	return status.Error(codes.Unavailable, err.Error())
}
