package errmodel

import (
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewAndFrom(t *testing.T) {
	e := Validation("missing", "field missing", map[string]any{"field": "object_id"})
	if e.Category != CategoryValidation || e.Code != "missing" {
		t.Fatalf("unexpected: %#v", e)
	}
	if got := From(e); got != e {
		t.Fatalf("From should return same error instance")
	}
}

func TestWriteHTTP_StatusAndEnvelope(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	WriteHTTP(rr, req, Validation("bad_json", "oops", nil))
	if rr.Code != 400 {
		t.Fatalf("status=%d want 400", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "\"category\":\"validation\"") {
		t.Fatalf("body missing category: %s", body)
	}
	if !strings.Contains(body, "\"code\":\"bad_json\"") {
		t.Fatalf("body missing code: %s", body)
	}
}

func TestHTTPStatus_PreviewCodes(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{NotFound("no such stream", nil), 404},
		{Unauthorized("no token", nil), 401},
		{Policy(CodeForbidden, "reviewer required", nil), 403},
		{RenderTimeout("waited too long", nil), 504},
		{RenderFailed("worker crashed", nil), 502},
		{Validation(CodeBadPayload, "empty body", nil), 400},
		{System("internal", "db down", nil, errors.New("dial tcp")), 500},
		{nil, 500},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Fatalf("HTTPStatus(%v)=%d want %d", tc.err, got, tc.want)
		}
	}
}

func TestFrom_WrapsForeignErrorsAsSystem(t *testing.T) {
	wrapped := fmt.Errorf("lookup: %w", Unauthorized("scope missing", nil))
	if got := From(wrapped); got.Code != CodeUnauthorized {
		t.Fatalf("From should unwrap compact errors, got %#v", got)
	}
	if got := From(errors.New("boom")); got.Category != CategorySystem || got.Code != CodeInternal {
		t.Fatal("plain errors should map to system")
	}
	long := strings.Repeat("x", 600)
	if got := New(CategoryRender, CodeRenderFailed, long, nil); len(got.Message) != 512 {
		t.Fatalf("message not truncated: len=%d", len(got.Message))
	}
}

func TestHasCodeAndContextClipping(t *testing.T) {
	err := fmt.Errorf("await: %w", RenderTimeout("waited 30s", map[string]any{
		"key":     strings.Repeat("k", 400),
		"attempt": 2,
		"ids":     []string{"o1", "o2"},
	}))
	if !HasCode(err, CodeRenderTimeout) {
		t.Fatal("HasCode should see through wrapping")
	}
	if HasCode(errors.New("plain"), CodeRenderTimeout) {
		t.Fatal("plain errors carry no code")
	}
	ce := From(err)
	if got := ce.Context["key"].(string); len(got) != 256 {
		t.Fatalf("context string not clipped: len=%d", len(got))
	}
	if ce.Context["attempt"] != 2 {
		t.Fatalf("numbers are kept: %#v", ce.Context["attempt"])
	}
	if New(CategorySystem, CodeInternal, "x", nil).Context != nil {
		t.Fatal("empty context should stay nil")
	}
}
