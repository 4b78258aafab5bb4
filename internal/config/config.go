// Package config loads runtime settings from the environment. Every knob has
// a default that works on a single laptop.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	EnvRunsRoot          = "AONP_RUNS_ROOT"
	EnvNuclearDataIndex  = "AONP_NUCLEAR_DATA_INDEX"
	EnvMongoURI          = "AONP_MONGO_URI"
	EnvDBName            = "AONP_DB_NAME"
	EnvWorkerID          = "AONP_WORKER_ID"
	EnvLeaseTTLSeconds   = "AONP_LEASE_TTL_SECONDS"
	EnvMaxRuntimeSeconds = "AONP_MAX_RUNTIME_SECONDS"
	EnvSolverBin         = "AONP_SOLVER_BIN"
	EnvListenAddr        = "AONP_LISTEN_ADDR"
	EnvOMPThreads        = "OMP_NUM_THREADS"
)

// DefaultListenAddr binds the control plane to loopback only.
const DefaultListenAddr = "127.0.0.1:8440"

type Config struct {
	RunsRoot         string
	NuclearDataIndex string
	MongoURI         string
	DBName           string
	WorkerID         string
	LeaseTTL         time.Duration
	MaxRuntime       time.Duration
	SolverBin        string
	ListenAddr       string
	OMPThreads       int
}

// FromEnv reads the AONP_* variables, filling defaults for anything unset.
// The worker ID is generated per process when absent so two workers on one
// host never collide.
func FromEnv() (Config, error) {
	cfg := Config{
		RunsRoot:         envOr(EnvRunsRoot, "./runs"),
		NuclearDataIndex: os.Getenv(EnvNuclearDataIndex),
		MongoURI:         envOr(EnvMongoURI, "mongodb://127.0.0.1:27017"),
		DBName:           envOr(EnvDBName, "aonp"),
		WorkerID:         os.Getenv(EnvWorkerID),
		SolverBin:        envOr(EnvSolverBin, "openmc"),
		ListenAddr:       envOr(EnvListenAddr, DefaultListenAddr),
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + strings.ToLower(ulid.Make().String())
	}

	leaseSec, err := envSeconds(EnvLeaseTTLSeconds, 300)
	if err != nil {
		return Config{}, err
	}
	cfg.LeaseTTL = leaseSec

	maxSec, err := envSeconds(EnvMaxRuntimeSeconds, 300)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxRuntime = maxSec

	cfg.OMPThreads = DefaultOMPThreads()
	if v := os.Getenv(EnvOMPThreads); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("%s: invalid thread count %q", EnvOMPThreads, v)
		}
		cfg.OMPThreads = n
	}
	return cfg, nil
}

// DefaultOMPThreads leaves two cores for the worker itself and the OS.
func DefaultOMPThreads() int {
	n := runtime.NumCPU() - 2
	if n < 1 {
		n = 1
	}
	return n
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envSeconds(key string, def int) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return time.Duration(def) * time.Second, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s: invalid seconds value %q", key, v)
	}
	return time.Duration(n) * time.Second, nil
}
