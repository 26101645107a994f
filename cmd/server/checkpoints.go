package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"trustledger/internal/checkpoint"
	"trustledger/internal/store"
	"trustledger/pkg/httpx"
	"trustledger/pkg/ledger"
)

func mountCheckpointRoutes(api chi.Router, st store.Store, roller *checkpoint.Roller) {
	api.Post("/checkpoints/roll", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			StartTS string `json:"start_ts"`
			EndTS   string `json:"end_ts"`
		}
		if r.ContentLength > 0 {
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, httpx.CodeBadJSON, err.Error(), nil)
				return
			}
		}
		startTs, err := parseOptionalTS(req.StartTS)
		if err != nil {
			httpx.WriteError(w, 400, httpx.CodeBadTimestamp, "start_ts must be RFC3339", nil)
			return
		}
		endTs, err := parseOptionalTS(req.EndTS)
		if err != nil {
			httpx.WriteError(w, 400, httpx.CodeBadTimestamp, "end_ts must be RFC3339", nil)
			return
		}
		ckpt, err := roller.RollOnce(r.Context(), startTs, endTs)
		if errors.Is(err, ledger.ErrNoNewRecords) {
			httpx.WriteError(w, 409, httpx.CodeNoNewRecords, err.Error(), nil)
			return
		}
		if err != nil {
			httpx.WriteError(w, 500, httpx.CodeCheckpointError, err.Error(), nil)
			return
		}
		httpx.WriteJSON(w, 201, ckpt)
	})

	api.Get("/checkpoints/latest", func(w http.ResponseWriter, r *http.Request) {
		ckpt, err := st.LatestCheckpoint(r.Context())
		if errors.Is(err, ledger.ErrNoCheckpoint) {
			httpx.WriteError(w, 404, httpx.CodeNoCheckpoint, err.Error(), nil)
			return
		}
		if err != nil {
			httpx.WriteError(w, 500, httpx.CodeStoreError, err.Error(), nil)
			return
		}
		httpx.WriteJSON(w, 200, ckpt)
	})

	api.Get("/checkpoints/{id}", func(w http.ResponseWriter, r *http.Request) {
		ckpt, err := st.GetCheckpoint(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, ledger.ErrCheckpointNotFound) {
			httpx.WriteError(w, 404, httpx.CodeNotFound, err.Error(), nil)
			return
		}
		if err != nil {
			httpx.WriteError(w, 500, httpx.CodeStoreError, err.Error(), nil)
			return
		}
		httpx.WriteJSON(w, 200, ckpt)
	})

	api.Post("/checkpoints/{id}/verify", func(w http.ResponseWriter, r *http.Request) {
		ckpt, err := st.GetCheckpoint(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, ledger.ErrCheckpointNotFound) {
			httpx.WriteError(w, 404, httpx.CodeNotFound, err.Error(), nil)
			return
		}
		if err != nil {
			httpx.WriteError(w, 500, httpx.CodeStoreError, err.Error(), nil)
			return
		}
		valid, reason := roller.VerifyRange(r.Context(), ckpt)
		httpx.WriteJSON(w, 200, map[string]any{
			"request_id": httpx.NewRequestID(),
			"valid":      valid,
			"error":      reason,
		})
	})
}

func parseOptionalTS(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
