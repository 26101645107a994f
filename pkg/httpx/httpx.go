// Package httpx carries the JSON helpers shared by the ledger's HTTP
// handlers.
package httpx

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// Code classifies an API error in the envelope's error.code field. The
// values are part of the external contract; clients match on them.
type Code string

const (
	CodeBadJSON         Code = "BAD_JSON"
	CodeBadTimestamp    Code = "BAD_TIMESTAMP"
	CodeMissingField    Code = "MISSING_FIELD"
	CodeUnknownKind     Code = "UNKNOWN_KIND"
	CodeEncodingError   Code = "ENCODING_ERROR"
	CodeNotFound        Code = "NOT_FOUND"
	CodeNoCheckpoint    Code = "NO_CHECKPOINT"
	CodeNoNewRecords    Code = "NO_NEW_RECORDS"
	CodeStoreError      Code = "STORE_ERROR"
	CodeCheckpointError Code = "CHECKPOINT_ERROR"
)

// maxBodyBytes bounds request bodies. Ledger payloads are small structured
// maps; anything larger is a client error, not bulk data.
const maxBodyBytes = 1 << 20

func NewRequestID() string { return "req_" + uuid.NewString() }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// WriteError emits the structured error envelope API callers key off of.
// Tamper and continuity findings are never reported through here; they are
// data, returned with a 200.
func WriteError(w http.ResponseWriter, status int, code Code, message string, details any) {
	resp := map[string]any{
		"request_id": NewRequestID(),
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	}
	WriteJSON(w, status, resp)
}
