package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"

	"github.com/sashabaranov/go-openai"
	"google.golang.org/api/googleapi"
)

// Kind is a stable, client-safe classification of a completion failure.
type Kind string

const (
	KindUnavailable Kind = "unavailable"
	KindRateLimited Kind = "rate_limited"
	KindTimeout     Kind = "timeout"
	KindBadResponse Kind = "bad_response"
	KindUpstream    Kind = "upstream"
)

// Error wraps a provider failure with its classification. Err carries the raw
// upstream detail and is only ever logged.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("llm: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("llm: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Message returns the text shown to end users for this kind of failure.
func (k Kind) Message() string {
	switch k {
	case KindUnavailable:
		return "The assistant is unavailable right now. Please try again later."
	case KindRateLimited:
		return "The assistant is busy. Please wait a moment and try again."
	case KindTimeout:
		return "The assistant took too long to respond."
	case KindBadResponse:
		return "The assistant returned an unreadable response."
	default:
		return "The assistant could not complete the reply."
	}
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: Classify(err), Op: op, Err: err}
}

// langchaingo reports non-2xx responses only through the error text.
var statusInMessage = regexp.MustCompile(`status code:? (\d{3})`)

// Classify maps an error from any provider SDK onto a Kind.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode)
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return classifyStatus(gErr.Code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindUnavailable
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return KindBadResponse
	}
	if m := statusInMessage.FindStringSubmatch(err.Error()); m != nil {
		if code, convErr := strconv.Atoi(m[1]); convErr == nil {
			return classifyStatus(code)
		}
	}
	return KindUpstream
}

func classifyStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case code >= 500:
		return KindUnavailable
	default:
		return KindUpstream
	}
}
