package http

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Strob0t/taskforge/internal/domain"
)

func TestReadJSONBodyTooLarge(t *testing.T) {
	body := `{"title":"` + strings.Repeat("x", 64) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()

	_, ok := readJSON[map[string]string](rec, req, 16)
	if ok {
		t.Fatal("expected oversized body to be rejected")
	}
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestWriteDomainErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.NewValidationError("title", "must not be empty"), http.StatusBadRequest},
		{fmt.Errorf("task x: %w", domain.ErrNotFound), http.StatusNotFound},
		{&domain.TransitionError{Entity: "task", Op: "Cancel", From: "completed"}, http.StatusConflict},
		{fmt.Errorf("busy: %w", domain.ErrConflict), http.StatusConflict},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		rec := httptest.NewRecorder()
		writeDomainError(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody), tc.err, "not found")
		if rec.Code != tc.want {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}

func TestWriteDomainErrorHidesInternals(t *testing.T) {
	rec := httptest.NewRecorder()
	writeDomainError(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody), errors.New("pq: password=secret"), "")
	if strings.Contains(rec.Body.String(), "secret") {
		t.Fatal("internal error details leaked to the client")
	}
}
