package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"trustledger/internal/checkpoint"
	"trustledger/internal/config"
	"trustledger/internal/store"
	"trustledger/internal/verifier"
	"trustledger/pkg/canonical"
	"trustledger/pkg/httpx"
	"trustledger/pkg/ledger"
	"trustledger/pkg/metrics"
	"trustledger/pkg/signer"
)

func main() {
	cfg := config.Load()

	log := newLogger(cfg.DevLog)
	defer log.Sync()

	sink := metrics.NewPrometheus()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, backend := store.Open(ctx, cfg, log, sink)
	defer st.Close()
	log.Info("ledger store ready", zap.String("backend", backend))

	sg, err := newSigner(cfg)
	if err != nil {
		log.Fatal("signer init failed", zap.Error(err))
	}
	log.Info("checkpoint signer ready",
		zap.String("algorithm", sg.Algorithm()),
		zap.String("key_id", sg.KeyID()))

	roller := checkpoint.NewRoller(st, sg, log,
		checkpoint.WithInterval(cfg.CheckpointInterval),
		checkpoint.WithMaxRecords(cfg.CheckpointRecords),
		checkpoint.WithMetrics(sink))
	go roller.Run(ctx)

	chains := verifier.New(log,
		verifier.WithWeights(verifier.Weights{
			Fidelity:   cfg.WeightFidelity,
			Signature:  cfg.WeightSignature,
			Verify:     cfg.WeightVerify,
			Continuity: cfg.WeightContinuity,
		}),
		verifier.WithThreshold(cfg.TrustThreshold),
		verifier.WithMetrics(sink))

	r := newRouter(st, roller, chains, sink.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("ledger server listening", zap.Int("port", cfg.Port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server failed", zap.Error(err))
	}
}

func newRouter(st store.Store, roller *checkpoint.Roller, chains *verifier.Verifier, metricsHandler http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	if metricsHandler != nil {
		r.Method("GET", "/metrics", metricsHandler)
	}

	r.Route("/ledger", func(api chi.Router) {
		api.Post("/append", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				AnchorID string         `json:"anchor_id"`
				Slot     string         `json:"slot"`
				Kind     string         `json:"kind"`
				Payload  map[string]any `json:"payload"`
				Producer string         `json:"producer"`
				Version  string         `json:"version"`
				Sig      string         `json:"sig"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, httpx.CodeBadJSON, err.Error(), nil)
				return
			}
			if req.AnchorID == "" || req.Slot == "" || req.Kind == "" {
				httpx.WriteError(w, 400, httpx.CodeMissingField, "anchor_id, slot and kind are required", nil)
				return
			}
			kind, err := ledger.ParseKind(req.Kind)
			if err != nil {
				httpx.WriteError(w, 400, httpx.CodeUnknownKind, err.Error(), nil)
				return
			}
			rec, err := st.Append(r.Context(), store.AppendInput{
				AnchorID:  req.AnchorID,
				Slot:      req.Slot,
				Kind:      kind,
				Payload:   req.Payload,
				Producer:  req.Producer,
				Version:   req.Version,
				Signature: req.Sig,
			})
			var encErr *canonical.EncodingError
			if errors.As(err, &encErr) {
				httpx.WriteError(w, 400, httpx.CodeEncodingError, encErr.Error(), nil)
				return
			}
			if err != nil {
				httpx.WriteError(w, 500, httpx.CodeStoreError, err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{
				"request_id": httpx.NewRequestID(),
				"id":         rec.ID,
				"anchor_id":  rec.AnchorID,
				"hash":       rec.Hash,
				"prev_hash":  rec.PrevHash,
				"ts":         rec.TS.Format(canonical.TimeFormat),
			})
		})

		api.Get("/chain/{anchor_id}", func(w http.ResponseWriter, r *http.Request) {
			anchorID := chi.URLParam(r, "anchor_id")
			recs, err := st.GetChain(r.Context(), anchorID)
			if err != nil {
				httpx.WriteError(w, 500, httpx.CodeStoreError, err.Error(), nil)
				return
			}
			if len(recs) == 0 {
				httpx.WriteError(w, 404, httpx.CodeNotFound, "anchor has no records", nil)
				return
			}
			if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
				if n, err := strconv.Atoi(limitStr); err == nil && n > 0 && n < len(recs) {
					recs = recs[len(recs)-n:]
				}
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id": httpx.NewRequestID(),
				"anchor_id":  anchorID,
				"records":    recs,
			})
		})

		api.Post("/verify/{anchor_id}", func(w http.ResponseWriter, r *http.Request) {
			anchorID := chi.URLParam(r, "anchor_id")
			recs, err := st.GetChain(r.Context(), anchorID)
			if err != nil {
				httpx.WriteError(w, 500, httpx.CodeStoreError, err.Error(), nil)
				return
			}
			if len(recs) == 0 {
				httpx.WriteError(w, 404, httpx.CodeNotFound, "anchor has no records", nil)
				return
			}
			// Tamper is data, not a server failure: a broken chain is still 200.
			res := chains.VerifyChain(recs)
			httpx.WriteJSON(w, 200, res)
		})

		api.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
			s, err := st.Stats(r.Context())
			if err != nil {
				httpx.WriteError(w, 500, httpx.CodeStoreError, err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, s)
		})

		mountCheckpointRoutes(api, st, roller)
	})
	return r
}

func newLogger(dev bool) *zap.Logger {
	if dev {
		log, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		return log
	}
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return log
}

func newSigner(cfg config.Config) (signer.Signer, error) {
	if cfg.SignerSeedHex == "" {
		return signer.NewMLDSA()
	}
	seed, err := signer.ParseSeed(cfg.SignerSeedHex)
	if err != nil {
		return nil, err
	}
	return signer.NewMLDSAFromSeed(seed)
}
