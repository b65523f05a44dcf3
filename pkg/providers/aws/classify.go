package aws

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/nimbusinfra/nimbus/pkg/engine"
)

// classify maps an AWS SDK error onto the engine's error taxonomy using
// the smithy error code. Unknown codes are permanent.
func classify(err error) *engine.EngineError {
	if err == nil {
		return nil
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return ee
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return engine.NewTransientError("AWS call timed out", err).
			WithCode(engine.ErrCodeTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return engine.NewPermanentError("AWS call cancelled", err).
			WithCode(engine.ErrCodeCancelled)
	}

	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return engine.NewTransientError("AWS call failed", err).
			WithCode(engine.ErrCodeExecutionFailed)
	}

	code := ae.ErrorCode()
	switch code {
	case "Throttling", "ThrottlingException", "RequestLimitExceeded",
		"TooManyRequestsException", "SlowDown", "RequestThrottled":
		return engine.NewThrottledError("AWS throttled the request", err).
			WithCode(engine.ErrCodeRateLimited)

	case "RequestTimeout", "RequestTimeoutException":
		return engine.NewTransientError("AWS request timed out", err).
			WithCode(engine.ErrCodeTimeout)

	case "ServiceUnavailable", "InternalError", "InternalFailure",
		"InternalServerError", "ServiceFailure":
		return engine.NewTransientError("AWS service unavailable", err).
			WithCode(engine.ErrCodeExecutionFailed)

	case "AccessDenied", "AccessDeniedException", "UnauthorizedOperation",
		"UnauthorizedAccess", "InvalidClientTokenId", "AuthFailure":
		return engine.NewPermanentError("AWS denied the request", err).
			WithCode(engine.ErrCodePermissionDenied)

	case "LimitExceeded", "LimitExceededException", "ServiceQuotaExceededException",
		"InstanceLimitExceeded", "VcpuLimitExceeded", "DBInstanceQuotaExceeded",
		"TooManyBuckets":
		return engine.NewPermanentError("AWS quota exceeded", err).
			WithCode(engine.ErrCodeQuotaExceeded)
	}

	if isNotFoundCode(code) {
		return engine.NewPermanentError("AWS resource not found", err).
			WithCode(engine.ErrCodeNotFound)
	}
	return engine.NewPermanentError("AWS call failed", err).
		WithCode(engine.ErrCodeExecutionFailed)
}

// isNotFoundCode matches the per-service spellings of "does not exist".
func isNotFoundCode(code string) bool {
	switch code {
	case "NoSuchEntity", "NoSuchBucket", "ResourceNotFoundException",
		"DBInstanceNotFound", "DBInstanceNotFoundFault", "DBSubnetGroupNotFoundFault",
		"InvalidGroup.NotFound", "NotFound":
		return true
	}
	return strings.HasSuffix(code, ".NotFound")
}

// isNotFound reports whether an error means the resource does not exist,
// which lookups treat as a clean miss rather than a failure.
func isNotFound(err error) bool {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return isNotFoundCode(ae.ErrorCode())
	}
	return false
}

// isAlreadyExists reports whether a create failed because the resource is
// already there, which creation treats as success to stay idempotent.
func isAlreadyExists(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.ErrorCode() {
	case "EntityAlreadyExists", "ResourceAlreadyExistsException",
		"BucketAlreadyOwnedByYou", "DBInstanceAlreadyExists",
		"DBSubnetGroupAlreadyExists", "InvalidGroup.Duplicate",
		"ResourceConflictException":
		return true
	}
	return false
}
