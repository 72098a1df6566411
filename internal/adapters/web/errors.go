package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"pharmaledger/internal/core"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// writeError maps engine error kinds onto HTTP statuses. The body always says
// "state unchanged" semantics: the caller may retry persistence failures and
// conflicts, must not retry faults.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := ""

	var ee *core.EngineError
	if errors.As(err, &ee) {
		code = ee.Code
		switch ee.Kind {
		case core.KindValidation:
			status = http.StatusBadRequest
		case core.KindPolicy:
			status = http.StatusUnprocessableEntity
		case core.KindConflict:
			status = http.StatusConflict
		case core.KindPersistence:
			status = http.StatusServiceUnavailable
		case core.KindFault:
			status = http.StatusInternalServerError
		}
	}

	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code, Kind: string(core.KindOf(err))})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
