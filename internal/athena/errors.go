package athena

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
)

var (
	ErrEmptyQuery     = errors.New("empty query")
	ErrQueryFailed    = errors.New("athena query failed")
	ErrQueryCancelled = errors.New("athena query cancelled")
	ErrQueryTimeout   = errors.New("athena query timed out")
)

// QueryError reports a query that reached FAILED or CANCELLED.
type QueryError struct {
	ID     string
	State  string
	Reason string
	err    error
}

func (e *QueryError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("query %s %s", e.ID, strings.ToLower(e.State))
	}
	return fmt.Sprintf("query %s %s: %s", e.ID, strings.ToLower(e.State), e.Reason)
}

func (e *QueryError) Unwrap() error {
	return e.err
}

// Retryable reports whether the failure reason points at transient
// throttling in Athena or the S3 staging bucket.
func (e *QueryError) Retryable() bool {
	if e.State != stateFailed {
		return false
	}
	for _, marker := range []string{"ThrottlingException", "Rate exceeded", "SlowDown", "TooManyRequestsException"} {
		if strings.Contains(e.Reason, marker) {
			return true
		}
	}
	return false
}

// IsThrottle reports whether an API call error is a throttling response.
func IsThrottle(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "TooManyRequestsException", "Throttling", "RequestLimitExceeded":
		return true
	}
	return false
}

func isRetryableFailure(err error) bool {
	var qerr *QueryError
	return errors.As(err, &qerr) && qerr.Retryable()
}
