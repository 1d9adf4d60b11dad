package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"typed", New(KindAccessDenied, "nope"), KindAccessDenied},
		{"wrapped typed", fmt.Errorf("outer: %w", New(KindCommandBlocked, "x")), KindCommandBlocked},
		{"sentinel", fmt.Errorf("lookup: %w", ErrSessionNotFound), KindSessionNotFound},
		{"foreign", errors.New("boom"), KindInternal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Errorf("KindOf = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestErrorIsSentinel(t *testing.T) {
	err := Wrap(KindExecutionTimeout, "remote call", errors.New("deadline"))
	if !errors.Is(err, ErrExecutionTimeout) {
		t.Error("expected errors.Is to match ErrExecutionTimeout")
	}
	if errors.Is(err, ErrAccessDenied) {
		t.Error("unexpected match against ErrAccessDenied")
	}
	if err.Error() != "remote call: deadline" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestHTTPStatus(t *testing.T) {
	if got := HTTPStatus(KindSessionNotFound); got != http.StatusNotFound {
		t.Errorf("SessionNotFound -> %d", got)
	}
	if got := HTTPStatus(KindServiceUnavailable); got != http.StatusServiceUnavailable {
		t.Errorf("ServiceUnavailable -> %d", got)
	}
	if got := HTTPStatus(KindInternal); got != http.StatusInternalServerError {
		t.Errorf("Internal -> %d", got)
	}
}
