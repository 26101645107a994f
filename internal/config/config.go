package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Backend selection values for LEDGER_BACKEND.
const (
	BackendAuto     = "auto"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

type Config struct {
	Port               int
	Backend            string
	DatabaseURL        string
	DBTimeout          time.Duration
	CheckpointInterval time.Duration
	CheckpointRecords  int
	TrustThreshold     float64
	WeightFidelity     float64
	WeightSignature    float64
	WeightVerify       float64
	WeightContinuity   float64
	SignerSeedHex      string
	DevLog             bool
}

func Load() Config {
	getInt := func(key string, def int) int {
		val := os.Getenv(key)
		if val == "" {
			return def
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s=%q", key, val)
		}
		return n
	}
	getFloat := func(key string, def float64) float64 {
		val := os.Getenv(key)
		if val == "" {
			return def
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			log.Fatalf("invalid %s=%q", key, val)
		}
		return f
	}
	getDuration := func(key string, def time.Duration) time.Duration {
		val := os.Getenv(key)
		if val == "" {
			return def
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			log.Fatalf("invalid %s=%q", key, val)
		}
		return d
	}

	cfg := Config{
		Port:               getInt("LEDGER_PORT", 8090),
		Backend:            os.Getenv("LEDGER_BACKEND"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		DBTimeout:          getDuration("LEDGER_DB_TIMEOUT", 5*time.Second),
		CheckpointInterval: getDuration("LEDGER_CHECKPOINT_INTERVAL", time.Minute),
		CheckpointRecords:  getInt("LEDGER_CHECKPOINT_RECORDS", 100),
		TrustThreshold:     getFloat("LEDGER_TRUST_THRESHOLD", 0.7),
		WeightFidelity:     getFloat("LEDGER_WEIGHT_FIDELITY", 0.5),
		WeightSignature:    getFloat("LEDGER_WEIGHT_SIGNATURE", 0.2),
		WeightVerify:       getFloat("LEDGER_WEIGHT_VERIFY", 0.2),
		WeightContinuity:   getFloat("LEDGER_WEIGHT_CONTINUITY", 0.1),
		SignerSeedHex:      os.Getenv("LEDGER_SIGNER_SEED"),
		DevLog:             os.Getenv("LEDGER_DEV_LOG") == "1",
	}

	if cfg.Backend == "" {
		cfg.Backend = BackendAuto
	}
	if cfg.CheckpointRecords <= 0 {
		cfg.CheckpointRecords = 100
	}
	if cfg.TrustThreshold <= 0 || cfg.TrustThreshold > 1 {
		cfg.TrustThreshold = 0.7
	}
	return cfg
}
