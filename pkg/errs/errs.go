// Package errs defines the stable, language-neutral error kinds the router
// surfaces to callers, and the propagation rules attached to each kind.
package errs

import "fmt"

// Kind is one of the stable error kinds of the error handling design.
type Kind string

const (
	Validation           Kind = "VALIDATION"
	Config               Kind = "CONFIG"
	TemplateMissingVars  Kind = "TEMPLATE_MISSING_VARS"
	TemplateSyntax       Kind = "TEMPLATE_SYNTAX"
	QueueFull            Kind = "QUEUE_FULL"
	TimeoutQueue         Kind = "TIMEOUT_QUEUE"
	TimeoutTransport     Kind = "TIMEOUT_TRANSPORT"
	RateLimited          Kind = "RATE_LIMITED"
	Auth                 Kind = "AUTH"
	ServerError          Kind = "SERVER_ERROR"
	ContentPolicy        Kind = "CONTENT_POLICY"
	Cancelled            Kind = "CANCELLED"
	Internal             Kind = "INTERNAL"
)

// Retryable reports whether an adapter should retry the same candidate
// on this error kind, per the propagation table.
func (k Kind) Retryable() bool {
	switch k {
	case TimeoutTransport, RateLimited, ServerError:
		return true
	default:
		return false
	}
}

// TriggersFallback reports whether exhausting retries on this kind should
// advance to the next candidate in the fallback chain.
func (k Kind) TriggersFallback() bool {
	switch k {
	case TimeoutTransport, RateLimited, Auth, ServerError:
		return true
	default:
		return false
	}
}

// RouterError is the standardized error the router and its collaborators
// return. It carries enough context for logging, metrics, and the caller's
// own error handling, and chains earlier attempts' errors for visibility
// into a fallback sequence.
type RouterError struct {
	Kind          Kind
	Message       string
	Provider      string
	Model         string
	CorrelationID string
	Wrapped       []error
}

// Error implements the error interface.
func (e *RouterError) Error() string {
	if e.Provider != "" || e.Model != "" {
		return fmt.Sprintf("[%s] %s (provider=%s, model=%s)", e.Kind, e.Message, e.Provider, e.Model)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap exposes the most recent wrapped error so errors.As/errors.Is
// can traverse into it.
func (e *RouterError) Unwrap() error {
	if len(e.Wrapped) == 0 {
		return nil
	}
	return e.Wrapped[len(e.Wrapped)-1]
}

// New constructs a RouterError of the given kind.
func New(kind Kind, message string) *RouterError {
	return &RouterError{Kind: kind, Message: message}
}

// Newf constructs a RouterError of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *RouterError {
	return &RouterError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a RouterError of the given kind around an underlying
// error, preserving it for errors.As/errors.Is via Unwrap.
func Wrap(kind Kind, err error, message string) *RouterError {
	return &RouterError{Kind: kind, Message: message, Wrapped: []error{err}}
}

// WithProvider returns a copy of the error annotated with provider/model.
func (e *RouterError) WithProvider(provider, model string) *RouterError {
	cp := *e
	cp.Provider = provider
	cp.Model = model
	return &cp
}

// WithCorrelation returns a copy of the error annotated with a correlation ID.
func (e *RouterError) WithCorrelation(id string) *RouterError {
	cp := *e
	cp.CorrelationID = id
	return &cp
}

// Chain returns a copy of the error with a prior attempt's error appended
// to the wrapped chain, used while iterating fallback candidates.
func (e *RouterError) Chain(prior error) *RouterError {
	cp := *e
	cp.Wrapped = append(append([]error{}, e.Wrapped...), prior)
	return &cp
}

// As attempts to extract a *RouterError from err.
func As(err error) (*RouterError, bool) {
	re, ok := err.(*RouterError)
	return re, ok
}

// HTTPStatus maps a Kind to the HTTP status code an admin endpoint should
// return for it.
func (k Kind) HTTPStatus() int {
	switch k {
	case Validation, TemplateMissingVars, TemplateSyntax:
		return 400
	case Auth:
		return 401
	case Config:
		return 404
	case QueueFull, RateLimited:
		return 429
	case TimeoutQueue, TimeoutTransport:
		return 504
	case Cancelled:
		return 499
	case ContentPolicy:
		return 422
	default:
		return 500
	}
}
