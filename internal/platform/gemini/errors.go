package gemini

import (
	"context"
	"errors"
	"net"

	"google.golang.org/genai"

	"github.com/kestrel-ci/kestrel/internal/retry"
)

// ErrEmptyPrompt is returned when a completion request carries no prompt.
var ErrEmptyPrompt = errors.New("prompt cannot be empty")

// ErrEmptyResponse is returned when the API reports success but the
// response carries no usable candidate.
var ErrEmptyResponse = errors.New("empty response from model")

// classifyError maps a genai SDK failure onto the retry taxonomy so the
// invocation layer can decide whether to retry it.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	if code, ok := apiErrorCode(err); ok {
		switch {
		case code == 401 || code == 403:
			return retry.NewClassifiedError(retry.KindAuthentication, err)
		case code == 429:
			return retry.NewClassifiedError(retry.KindRateLimit, err)
		case code == 408:
			return retry.NewClassifiedError(retry.KindTimeout, err)
		case code >= 400 && code < 500:
			return retry.NewClassifiedError(retry.KindInvalidRequest, err)
		case code >= 500:
			return retry.NewClassifiedError(retry.KindServerError, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return retry.NewClassifiedError(retry.KindTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return retry.NewClassifiedError(retry.KindTimeout, err)
		}
		return retry.NewClassifiedError(retry.KindNetworkError, err)
	}

	return retry.NewClassifiedError(retry.KindUnknown, err)
}

// apiErrorCode extracts the HTTP status code from a genai APIError,
// whether it was surfaced by value or by pointer.
func apiErrorCode(err error) (int, bool) {
	var v genai.APIError
	if errors.As(err, &v) {
		return v.Code, true
	}
	return 0, false
}
