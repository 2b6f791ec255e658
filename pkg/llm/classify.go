package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"google.golang.org/genai"

	"osce/pkg/llm/llmerrors"
)

// classify maps the error of one attempt onto a status class and a classified error.
// 5xx and timeouts are transient; 4xx and other transport failures are not.
func classify(ctx context.Context, err error) (StatusClass, *llmerrors.Error) {
	if err == nil {
		return StatusSuccess, nil
	}

	var classified *llmerrors.Error
	if errors.As(err, &classified) {
		return statusFor(classified), classified
	}

	if code, message, ok := apiErrorStatus(err); ok {
		switch {
		case code >= http.StatusInternalServerError:
			return StatusServerError, &llmerrors.Error{
				Type:       llmerrors.ErrorTypeTransient,
				StatusCode: code,
				Message:    fmt.Sprintf("received %d response from API: %s", code, message),
				Err:        err,
			}
		default:
			return StatusClientError, &llmerrors.Error{
				Type:       llmerrors.ErrorTypeClient,
				StatusCode: code,
				Message:    fmt.Sprintf("received %d response from API: %s", code, message),
				Err:        err,
			}
		}
	}

	// The caller gave up; never retry that.
	if ctx.Err() != nil {
		return StatusClientError, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeClient, err, "request cancelled")
	}

	if isTimeout(err) {
		return StatusTimeout, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request timed out")
	}

	return StatusClientError, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeClient, err, "request failed")
}

func statusFor(err *llmerrors.Error) StatusClass {
	switch {
	case err.Type == llmerrors.ErrorTypeTransient && err.StatusCode >= http.StatusInternalServerError:
		return StatusServerError
	case err.Type == llmerrors.ErrorTypeTransient:
		return StatusTimeout
	default:
		return StatusClientError
	}
}

func apiErrorStatus(err error) (int, string, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, apiErr.Message, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code, apiErrPtr.Message, true
	}
	return 0, "", false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
