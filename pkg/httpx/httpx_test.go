package httpx

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, 404, CodeNotFound, "anchor has no records", nil)

	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var body struct {
		RequestID string `json:"request_id"`
		Error     struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if body.Error.Code != string(CodeNotFound) {
		t.Fatalf("code = %q, want %q", body.Error.Code, CodeNotFound)
	}
	if !strings.HasPrefix(body.RequestID, "req_") {
		t.Fatalf("request id missing prefix: %q", body.RequestID)
	}
}

func TestReadJSONRejectsUnknownFields(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"known":1,"bogus":2}`))
	var dst struct {
		Known int `json:"known"`
	}
	if err := ReadJSON(r, &dst); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestReadJSONTruncatesOversizeBody(t *testing.T) {
	big := `{"k":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	r := httptest.NewRequest("POST", "/", strings.NewReader(big))
	var dst struct {
		K string `json:"k"`
	}
	if err := ReadJSON(r, &dst); err == nil {
		t.Fatal("expected decode error for oversize body")
	}
}
