package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// isRetryable reports whether err should trigger another attempt against
// the same provider config.
//
//   - context.DeadlineExceeded → retryable (timeout)
//   - 5xx provider status → retryable (infrastructure failure)
//   - 4xx provider status → not retryable (bad request / auth)
//   - unknown errors → retryable (conservative default)
func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		return status >= 500 && status < 600
	}
	return true
}

// classifyError converts err into a short category label used in log
// fields and the UsageRecord's error_kind.
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}
