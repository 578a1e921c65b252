package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Ledger backends.
const (
	LedgerMemory   = "memory"
	LedgerAlgorand = "algorand"
)

type Config struct {
	HTTPAddr string
	GRPCAddr string // empty disables the gRPC listener

	// DB
	Env    string // "dev" | "prod"
	DBPath string // e.g. "./data/soteria.db"

	// Ledger
	Ledger         string // "memory" | "algorand"
	AlgodAddress   string
	AlgodToken     string
	IndexerAddress string
	IndexerToken   string
	LockMnemonic   string
	AppID          string
	LedgerTimeout  time.Duration

	// Verification
	Mode                 string // "notes" | "contract"
	RequireRecipient     bool
	TimeTolerance        time.Duration // zero falls back to 60s
	RevocationLimit      int
	RevocationFailPolicy string // "open" | "closed"

	// Actuation
	GrantDuration time.Duration
	SessionPolicy string // "queue" | "reject"
	GPIOPin       int
	RedisAddr     string // empty disables the cross-process lease
	DoorID        string
	LeaseTTL      time.Duration

	// Audit
	LogDenials      bool
	ConfirmAttempts int

	// HTTP rate limit on /v1/verify; 0 disables
	RateLimitRPS int
	RateBurst    int

	// Access event retention
	EventRetentionDays int // 0 = keep forever
	PruneIntervalHours int // how often the pruner runs (default 6)
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
		Env:      "dev",
		DBPath:   "./data/soteria.db",

		AlgodAddress:   "https://testnet-api.algonode.cloud",
		IndexerAddress: "https://testnet-idx.algonode.cloud",
		LedgerTimeout:  10 * time.Second,

		Mode:                 "notes",
		TimeTolerance:        60 * time.Second,
		RevocationLimit:      1000,
		RevocationFailPolicy: "open",

		GrantDuration: 10 * time.Second,
		SessionPolicy: "queue",
		GPIOPin:       4,
		DoorID:        "main",
		LeaseTTL:      30 * time.Second,

		LogDenials:      true,
		ConfirmAttempts: 10,

		RateLimitRPS: 5,
		RateBurst:    10,

		EventRetentionDays: 30,
		PruneIntervalHours: 6,
	}
}

// Load builds a Config from defaults, the YAML file named by SOTERIA_CONFIG
// if set, and SOTERIA_* variables, in that order of precedence.
func Load() (Config, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("SOTERIA_CONFIG")); path != "" {
		fc, err := LoadFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg.applyFile(fc)
	}
	cfg.applyEnv()
	cfg.normalize()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getenvDefault("SOTERIA_HTTP_ADDR", c.HTTPAddr)
	if v, ok := os.LookupEnv("SOTERIA_GRPC_ADDR"); ok {
		c.GRPCAddr = strings.TrimSpace(v)
	}
	c.Env = strings.ToLower(getenvDefault("SOTERIA_ENV", c.Env))
	c.DBPath = getenvDefault("SOTERIA_DB_PATH", c.DBPath)

	c.Ledger = strings.ToLower(getenvDefault("SOTERIA_LEDGER", c.Ledger))
	c.AlgodAddress = getenvDefault("SOTERIA_ALGOD_ADDRESS", c.AlgodAddress)
	c.AlgodToken = getenvDefault("SOTERIA_ALGOD_TOKEN", c.AlgodToken)
	c.IndexerAddress = getenvDefault("SOTERIA_INDEXER_ADDRESS", c.IndexerAddress)
	c.IndexerToken = getenvDefault("SOTERIA_INDEXER_TOKEN", c.IndexerToken)
	c.LockMnemonic = getenvDefault("SOTERIA_LOCK_MNEMONIC", c.LockMnemonic)
	c.AppID = strings.TrimSpace(getenvDefault("SOTERIA_APP_ID", c.AppID))
	c.LedgerTimeout = getenvDuration("SOTERIA_LEDGER_TIMEOUT", c.LedgerTimeout)

	c.Mode = strings.ToLower(getenvDefault("SOTERIA_MODE", c.Mode))
	c.RequireRecipient = getenvBool("SOTERIA_REQUIRE_RECIPIENT", c.RequireRecipient)
	c.TimeTolerance = getenvDuration("SOTERIA_TIME_TOLERANCE", c.TimeTolerance)
	c.RevocationLimit = getenvInt("SOTERIA_REVOCATION_LIMIT", c.RevocationLimit)
	c.RevocationFailPolicy = strings.ToLower(getenvDefault("SOTERIA_REVOCATION_FAIL_POLICY", c.RevocationFailPolicy))

	c.GrantDuration = getenvDuration("SOTERIA_GRANT_DURATION", c.GrantDuration)
	c.SessionPolicy = strings.ToLower(getenvDefault("SOTERIA_SESSION_POLICY", c.SessionPolicy))
	c.GPIOPin = getenvInt("SOTERIA_GPIO_PIN", c.GPIOPin)
	c.RedisAddr = getenvDefault("SOTERIA_REDIS_ADDR", c.RedisAddr)
	c.DoorID = getenvDefault("SOTERIA_DOOR_ID", c.DoorID)
	c.LeaseTTL = getenvDuration("SOTERIA_LEASE_TTL", c.LeaseTTL)

	c.LogDenials = getenvBool("SOTERIA_LOG_DENIALS", c.LogDenials)
	c.ConfirmAttempts = getenvInt("SOTERIA_CONFIRM_ATTEMPTS", c.ConfirmAttempts)

	c.RateLimitRPS = getenvInt("SOTERIA_RATE_LIMIT_RPS", c.RateLimitRPS)
	c.RateBurst = getenvInt("SOTERIA_RATE_BURST", c.RateBurst)

	c.EventRetentionDays = getenvInt("SOTERIA_EVENT_RETENTION_DAYS", c.EventRetentionDays)
	c.PruneIntervalHours = getenvInt("SOTERIA_PRUNE_INTERVAL_HOURS", c.PruneIntervalHours)
}

// normalize applies fail-soft defaults to enum fields.
func (c *Config) normalize() {
	if c.Env != "dev" && c.Env != "prod" {
		// fail-soft: treat unknown as dev
		c.Env = "dev"
	}
	if c.Ledger != LedgerMemory && c.Ledger != LedgerAlgorand {
		if c.Env == "prod" {
			c.Ledger = LedgerAlgorand
		} else {
			c.Ledger = LedgerMemory
		}
	}
	if c.Mode != "notes" && c.Mode != "contract" {
		c.Mode = "notes"
	}
	if c.RevocationFailPolicy != "open" && c.RevocationFailPolicy != "closed" {
		c.RevocationFailPolicy = "open"
	}
	if c.SessionPolicy != "queue" && c.SessionPolicy != "reject" {
		c.SessionPolicy = "queue"
	}
	if c.TimeTolerance <= 0 {
		c.TimeTolerance = 60 * time.Second
	}
}

// Validate reports configuration the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.AppID == "" {
		errs = append(errs, errors.New("SOTERIA_APP_ID is required"))
	}
	if c.Ledger == LedgerAlgorand {
		if strings.TrimSpace(c.LockMnemonic) == "" {
			errs = append(errs, errors.New("SOTERIA_LOCK_MNEMONIC is required for the algorand ledger"))
		}
		if c.AlgodAddress == "" || c.IndexerAddress == "" {
			errs = append(errs, errors.New("algod and indexer addresses are required for the algorand ledger"))
		}
		if c.Mode == "contract" {
			if _, err := strconv.ParseUint(c.AppID, 10, 64); err != nil {
				errs = append(errs, fmt.Errorf("contract mode needs a numeric app id, got %q", c.AppID))
			}
		}
	}
	if c.GrantDuration <= 0 {
		errs = append(errs, errors.New("grant duration must be positive"))
	}
	if c.RedisAddr != "" && c.LeaseTTL <= c.GrantDuration {
		errs = append(errs, fmt.Errorf("lease ttl %s must exceed grant duration %s", c.LeaseTTL, c.GrantDuration))
	}
	return errors.Join(errs...)
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// getenvDuration accepts Go duration strings ("10s") or bare seconds.
func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}
