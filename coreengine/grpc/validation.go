package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/deskpilot/coreengine/action"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/approval"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/kernel"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/policy"
)

// =============================================================================
// ARGUMENT VALIDATION
// =============================================================================

// validateRequired checks if a field is non-empty.
func validateRequired(field, fieldName string) error {
	if field == "" {
		return InvalidArgument(fieldName)
	}
	return nil
}

// =============================================================================
// STATUS BUILDERS
// =============================================================================

// InvalidArgument returns an InvalidArgument error for a missing field.
func InvalidArgument(fieldName string) error {
	return status.Errorf(codes.InvalidArgument, "%s is required", fieldName)
}

// NotFound returns a NotFound error.
func NotFound(resourceType, id string) error {
	return status.Errorf(codes.NotFound, "%s not found: %s", resourceType, id)
}

// Internal wraps an unexpected failure.
func Internal(operation string, cause error) error {
	return status.Errorf(codes.Internal, "%s failed: %v", operation, cause)
}

// PermissionDenied returns an error for a refused operation.
func PermissionDenied(operation, reason string) error {
	return status.Errorf(codes.PermissionDenied, "%s denied: %s", operation, reason)
}

// toStatus maps core errors onto gRPC codes. operation names the call for
// Internal errors.
func toStatus(operation string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var (
		rejection  *policy.RejectionError
		validation *action.ValidationError
	)
	switch {
	case errors.As(err, &rejection):
		return PermissionDenied(operation, rejection.Error())
	case errors.As(err, &validation):
		return status.Error(codes.InvalidArgument, validation.Error())
	case errors.Is(err, approval.ErrRequestNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, approval.ErrRequestClosed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, kernel.ErrQueueClosed), errors.Is(err, kernel.ErrDroppedBeforeCompletion):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return Internal(operation, err)
}
