package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"pharmaledger/internal/core"
)

func TestWriteErrorStatusMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{core.ErrUnknownEntity, http.StatusBadRequest},
		{core.ErrMalformedEvent, http.StatusBadRequest},
		{core.ErrInsufficientStock, http.StatusUnprocessableEntity},
		{core.ErrCreditLimitExceeded, http.StatusUnprocessableEntity},
		{core.ErrReservationExpired, http.StatusConflict},
		{core.ErrPersistence, http.StatusServiceUnavailable},
		{core.ErrEntityHalted, http.StatusInternalServerError},
		{errors.New("opaque"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeError(rec, tt.err)
		if rec.Code != tt.status {
			t.Errorf("writeError(%v): status %d, want %d", tt.err, rec.Code, tt.status)
		}
	}
}

func TestWriteErrorBody(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, core.ErrCreditLimitExceeded)

	var body errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.Code != "CreditLimitExceeded" {
		t.Errorf("code = %q, want CreditLimitExceeded", body.Code)
	}
	if body.Kind != "policy" {
		t.Errorf("kind = %q, want policy", body.Kind)
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("content type = %q", rec.Header().Get("Content-Type"))
	}
}
