package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeOfWrapped(t *testing.T) {
	base := NotFound("contract not found")
	err := fmt.Errorf("load: %w", base)
	if got := CodeOf(err); got != CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %s", got)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected errors.Is to match sentinel")
	}
	if CodeOf(errors.New("plain")) != CodeUnknown {
		t.Fatalf("expected UNKNOWN for plain error")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(CodeNetwork, "submission failed", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause in chain")
	}
	if err.Error() != "submission failed: dial tcp: refused" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeNotFound:      http.StatusNotFound,
		CodeForbidden:     http.StatusForbidden,
		CodeAlreadySigned: http.StatusConflict,
		CodeExpired:       http.StatusGone,
		CodeValidation:    http.StatusUnprocessableEntity,
		CodeRateLimited:   http.StatusTooManyRequests,
		CodeUnknown:       http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := HTTPStatus(code); got != want {
			t.Fatalf("%s: expected %d, got %d", code, want, got)
		}
	}
}

func TestWithDetailsCopies(t *testing.T) {
	base := Validation("invalid")
	withD := base.WithDetails(map[string]any{"cpf": "must have 11 digits"})
	if base.Details != nil {
		t.Fatalf("expected base untouched")
	}
	if withD.Details["cpf"] == nil {
		t.Fatalf("expected details on copy")
	}
}
