package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML overlay.  Omitted fields keep their defaults.
type FileConfig struct {
	HTTPAddr *string `yaml:"http_addr"`
	GRPCAddr *string `yaml:"grpc_addr"`
	Env      string  `yaml:"env"`
	DBPath   string  `yaml:"db_path"`

	Ledger struct {
		Backend        string        `yaml:"backend"`
		AlgodAddress   string        `yaml:"algod_address"`
		AlgodToken     string        `yaml:"algod_token"`
		IndexerAddress string        `yaml:"indexer_address"`
		IndexerToken   string        `yaml:"indexer_token"`
		LockMnemonic   string        `yaml:"lock_mnemonic"`
		AppID          string        `yaml:"app_id"`
		Timeout        time.Duration `yaml:"timeout"`
	} `yaml:"ledger"`

	Verification struct {
		Mode                 string        `yaml:"mode"`
		RequireRecipient     *bool         `yaml:"require_recipient"`
		TimeTolerance        time.Duration `yaml:"time_tolerance"`
		RevocationLimit      int           `yaml:"revocation_limit"`
		RevocationFailPolicy string        `yaml:"revocation_fail_policy"`
	} `yaml:"verification"`

	Actuation struct {
		GrantDuration time.Duration `yaml:"grant_duration"`
		SessionPolicy string        `yaml:"session_policy"`
		GPIOPin       *int          `yaml:"gpio_pin"`
		RedisAddr     string        `yaml:"redis_addr"`
		DoorID        string        `yaml:"door_id"`
		LeaseTTL      time.Duration `yaml:"lease_ttl"`
	} `yaml:"actuation"`

	Audit struct {
		LogDenials      *bool `yaml:"log_denials"`
		ConfirmAttempts int   `yaml:"confirm_attempts"`
	} `yaml:"audit"`

	RateLimit struct {
		RPS   *int `yaml:"rps"`
		Burst int  `yaml:"burst"`
	} `yaml:"rate_limit"`

	Retention struct {
		Days               *int `yaml:"days"`
		PruneIntervalHours int  `yaml:"prune_interval_hours"`
	} `yaml:"retention"`
}

// LoadFile reads and parses a YAML configuration file.
func LoadFile(path string) (FileConfig, error) {
	var fc FileConfig

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fc, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("failed to parse config file: %w", err)
	}

	return fc, nil
}

func (c *Config) applyFile(fc FileConfig) {
	setPtr(&c.HTTPAddr, fc.HTTPAddr)
	setPtr(&c.GRPCAddr, fc.GRPCAddr)
	setString(&c.Env, fc.Env)
	setString(&c.DBPath, fc.DBPath)

	setString(&c.Ledger, fc.Ledger.Backend)
	setString(&c.AlgodAddress, fc.Ledger.AlgodAddress)
	setString(&c.AlgodToken, fc.Ledger.AlgodToken)
	setString(&c.IndexerAddress, fc.Ledger.IndexerAddress)
	setString(&c.IndexerToken, fc.Ledger.IndexerToken)
	setString(&c.LockMnemonic, fc.Ledger.LockMnemonic)
	setString(&c.AppID, fc.Ledger.AppID)
	setPositive(&c.LedgerTimeout, fc.Ledger.Timeout)

	setString(&c.Mode, fc.Verification.Mode)
	setPtr(&c.RequireRecipient, fc.Verification.RequireRecipient)
	setPositive(&c.TimeTolerance, fc.Verification.TimeTolerance)
	setPositive(&c.RevocationLimit, fc.Verification.RevocationLimit)
	setString(&c.RevocationFailPolicy, fc.Verification.RevocationFailPolicy)

	setPositive(&c.GrantDuration, fc.Actuation.GrantDuration)
	setString(&c.SessionPolicy, fc.Actuation.SessionPolicy)
	setPtr(&c.GPIOPin, fc.Actuation.GPIOPin)
	setString(&c.RedisAddr, fc.Actuation.RedisAddr)
	setString(&c.DoorID, fc.Actuation.DoorID)
	setPositive(&c.LeaseTTL, fc.Actuation.LeaseTTL)

	setPtr(&c.LogDenials, fc.Audit.LogDenials)
	setPositive(&c.ConfirmAttempts, fc.Audit.ConfirmAttempts)

	setPtr(&c.RateLimitRPS, fc.RateLimit.RPS)
	setPositive(&c.RateBurst, fc.RateLimit.Burst)

	setPtr(&c.EventRetentionDays, fc.Retention.Days)
	setPositive(&c.PruneIntervalHours, fc.Retention.PruneIntervalHours)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setPtr[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setPositive[T int | time.Duration](dst *T, v T) {
	if v > 0 {
		*dst = v
	}
}
