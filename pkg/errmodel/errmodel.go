// Package errmodel is the compact error model of the worker-facing API.
// Image routes never surface it; they always answer with an image.
package errmodel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// Categories group codes by who has to act on them.
const (
	CategoryValidation = "validation"
	CategoryPolicy     = "policy"
	CategoryRender     = "render"
	CategoryNetwork    = "network"
	CategorySystem     = "system"
)

// Codes used by the preview module.
const (
	CodeNotFound      = "not_found"
	CodeUnauthorized  = "unauthorized"
	CodeForbidden     = "forbidden"
	CodeRenderTimeout = "render_timeout"
	CodeRenderFailed  = "render_failed"
	CodeBadPayload    = "bad_payload"
	CodeInvalidKey    = "invalid_key"
	CodeInternal      = "internal"
)

const (
	maxMessage = 512
	maxValue   = 256
)

// Error is a categorised, coded error with optional context and causes.
type Error struct {
	Category string         `json:"category"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
	Causes   []Error        `json:"causes,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// New builds an Error. Nil causes are skipped.
func New(category, code, message string, ctx map[string]any, causes ...error) *Error {
	e := &Error{Category: category, Code: code, Message: clip(message, maxMessage), Context: clipContext(ctx)}
	for _, c := range causes {
		if c != nil {
			e.Causes = append(e.Causes, *From(c))
		}
	}
	return e
}

// From returns the *Error in err's chain, or wraps err as an internal system error.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Category: CategorySystem, Code: CodeInternal, Message: clip(err.Error(), maxMessage)}
}

func Validation(code, message string, ctx map[string]any) *Error {
	return New(CategoryValidation, code, message, ctx)
}

func Policy(code, message string, ctx map[string]any) *Error {
	return New(CategoryPolicy, code, message, ctx)
}

func System(code, message string, ctx map[string]any, cause error) *Error {
	return New(CategorySystem, code, message, ctx, cause)
}

// NotFound reports an absent stream, branch, commit, object or preview.
func NotFound(message string, ctx map[string]any) *Error {
	return Validation(CodeNotFound, message, ctx)
}

// Unauthorized reports missing or insufficient credentials.
func Unauthorized(message string, ctx map[string]any) *Error {
	return Policy(CodeUnauthorized, message, ctx)
}

// RenderTimeout reports that waiting for a render exceeded its ceiling.
func RenderTimeout(message string, ctx map[string]any) *Error {
	return New(CategoryRender, CodeRenderTimeout, message, ctx)
}

// RenderFailed reports a failure recorded by a render worker.
func RenderFailed(message string, ctx map[string]any) *Error {
	return New(CategoryRender, CodeRenderFailed, message, ctx)
}

var codeStatus = map[string]int{
	CodeNotFound:      http.StatusNotFound,
	CodeUnauthorized:  http.StatusUnauthorized,
	CodeForbidden:     http.StatusForbidden,
	CodeRenderTimeout: http.StatusGatewayTimeout,
	CodeRenderFailed:  http.StatusBadGateway,
	CodeBadPayload:    http.StatusBadRequest,
	CodeInvalidKey:    http.StatusBadRequest,
}

var categoryStatus = map[string]int{
	CategoryValidation: http.StatusBadRequest,
	CategoryPolicy:     http.StatusForbidden,
	CategoryRender:     http.StatusBadGateway,
	CategoryNetwork:    http.StatusBadGateway,
}

// HTTPStatus maps an error to a status: by code first, then by category.
func HTTPStatus(e *Error) int {
	if e == nil {
		return http.StatusInternalServerError
	}
	if s, ok := codeStatus[e.Code]; ok && e.Category != CategorySystem {
		return s
	}
	if s, ok := categoryStatus[e.Category]; ok {
		return s
	}
	return http.StatusInternalServerError
}

type envelope struct {
	Error   *Error `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

// WriteHTTP writes the JSON envelope with the trace id of r's span, if any.
func WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	e := From(err)
	if e == nil {
		e = &Error{Category: CategorySystem, Code: CodeInternal, Message: "unknown error"}
	}
	env := envelope{Error: e}
	if r != nil {
		if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
			env.TraceID = sc.TraceID().String()
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(e))
	_ = json.NewEncoder(w).Encode(env)
}

// HasCode reports whether err carries code.
func HasCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

// clipContext keeps context values short: strings and stringers are clipped,
// other values are rendered as JSON and clipped when large.
func clipContext(ctx map[string]any) map[string]any {
	if len(ctx) == 0 {
		return nil
	}
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		switch t := v.(type) {
		case string:
			out[k] = clip(t, maxValue)
		case fmt.Stringer:
			out[k] = clip(t.String(), maxValue)
		case bool, int, int64, float64:
			out[k] = t
		default:
			if b, err := json.Marshal(t); err == nil && len(b) > maxValue {
				out[k] = clip(string(b), maxValue)
			} else {
				out[k] = t
			}
		}
	}
	return out
}
