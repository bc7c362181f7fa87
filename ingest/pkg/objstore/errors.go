package objstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	CodeObjectNotFound      = "E_OBJECT_NOT_FOUND"
	CodeBucketNotFound      = "E_BUCKET_NOT_FOUND"
	CodePermissionDenied    = "E_PERMISSION_DENIED"
	CodeAuthInvalid         = "E_AUTH_INVALID"
	CodeTimeout             = "E_TIMEOUT"
	CodeEndpointUnreachable = "E_ENDPOINT_UNREACHABLE"
	CodeWriteFailed         = "E_WRITE_FAILED"
	CodeReadFailed          = "E_READ_FAILED"
	CodeInvalidKey          = "E_INVALID_KEY"
)

// ErrNotFound matches any Error with CodeObjectNotFound under errors.Is.
var ErrNotFound = errors.New("object not found")

// Error wraps backend failures with a stable code and a retryability hint.
type Error struct {
	Code      string
	Key       string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Code
	if e.Key != "" {
		msg += " " + e.Key
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error         { return e.Err }
func (e *Error) RetryableStatus() bool { return e.Retryable }

func (e *Error) Is(target error) bool {
	return target == ErrNotFound && e.Code == CodeObjectNotFound
}

// CodeOf returns the code of the first Error in err's chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func wrapError(code, key string, retryable bool, err error) *Error {
	return &Error{Code: code, Key: key, Retryable: retryable, Err: err}
}

// classifyStatus maps an HTTP status from an S3-compatible endpoint to a code.
func classifyStatus(status int) (code string, retryable bool, ok bool) {
	switch {
	case status == http.StatusNotFound:
		return CodeObjectNotFound, false, true
	case status == http.StatusForbidden:
		return CodePermissionDenied, false, true
	case status == http.StatusUnauthorized:
		return CodeAuthInvalid, false, true
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return CodeTimeout, true, true
	case status == http.StatusTooManyRequests || status >= 500:
		return CodeEndpointUnreachable, true, true
	}
	return "", false, false
}

// classifyAPICode maps S3 error codes shared by the AWS SDK and minio-go.
func classifyAPICode(apiCode string) (code string, retryable bool, ok bool) {
	switch apiCode {
	case "NoSuchKey", "NotFound":
		return CodeObjectNotFound, false, true
	case "NoSuchBucket":
		// Not a miss: every key of a missing bucket would look absent.
		return CodeBucketNotFound, false, true
	case "AccessDenied", "Forbidden", "AllAccessDisabled":
		return CodePermissionDenied, false, true
	case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
		return CodeAuthInvalid, false, true
	case "RequestTimeout", "RequestTimeTooSkewed":
		return CodeTimeout, true, true
	case "SlowDown", "ServiceUnavailable", "InternalError":
		return CodeEndpointUnreachable, true, true
	}
	return "", false, false
}

// classifyMessage is the last resort when neither a status nor an API code is known.
func classifyMessage(err error, fallback string) (string, bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout, true
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "access denied") || strings.Contains(s, "permission denied"):
		return CodePermissionDenied, false
	case strings.Contains(s, "invalid access key") || strings.Contains(s, "signature"):
		return CodeAuthInvalid, false
	case strings.Contains(s, "timeout") || strings.Contains(s, "deadline"):
		return CodeTimeout, true
	case strings.Contains(s, "connection refused") || strings.Contains(s, "no such host") ||
		strings.Contains(s, "unreachable") || strings.Contains(s, "connection reset"):
		return CodeEndpointUnreachable, true
	}
	return fallback, true
}
