package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults mirror the deployment guidance: 30 minute sliding sessions capped
// at 12 hours, five strikes before lockout, 15 minute cooldown.
const (
	DefaultSessionTTL       = 30 * time.Minute
	DefaultSessionHardCap   = 12 * time.Hour
	DefaultLockoutThreshold = 5
	DefaultLockoutWindow    = 10 * time.Minute
	DefaultLockoutCooldown  = 15 * time.Minute
	DefaultPasswordMinLen   = 10
	DefaultPasswordClasses  = 3
)

// Config is the recognized configuration surface of the subsystem.
type Config struct {
	SessionTTL         time.Duration
	SessionHardCap     time.Duration
	LockoutThreshold   int
	LockoutWindow      time.Duration
	LockoutCooldown    time.Duration
	PasswordMinLength  int
	PasswordMinClasses int

	PGDSN             string
	AuditSpoolPath    string
	ReportTokenSecret string
}

// FromEnv reads configuration from DERMATRUST_* environment variables,
// falling back to defaults for anything unset.
func FromEnv() (Config, error) {
	cfg := Config{
		SessionTTL:         DefaultSessionTTL,
		SessionHardCap:     DefaultSessionHardCap,
		LockoutThreshold:   DefaultLockoutThreshold,
		LockoutWindow:      DefaultLockoutWindow,
		LockoutCooldown:    DefaultLockoutCooldown,
		PasswordMinLength:  DefaultPasswordMinLen,
		PasswordMinClasses: DefaultPasswordClasses,
		PGDSN:              os.Getenv("DERMATRUST_PG_DSN"),
		AuditSpoolPath:     os.Getenv("DERMATRUST_AUDIT_SPOOL"),
		ReportTokenSecret:  os.Getenv("DERMATRUST_REPORT_TOKEN_SECRET"),
	}

	var err error
	if cfg.SessionTTL, err = secondsEnv("DERMATRUST_SESSION_TTL_SECONDS", cfg.SessionTTL); err != nil {
		return Config{}, err
	}
	if cfg.SessionHardCap, err = secondsEnv("DERMATRUST_SESSION_HARD_CAP_SECONDS", cfg.SessionHardCap); err != nil {
		return Config{}, err
	}
	if cfg.LockoutThreshold, err = intEnv("DERMATRUST_LOCKOUT_THRESHOLD", cfg.LockoutThreshold); err != nil {
		return Config{}, err
	}
	if cfg.LockoutWindow, err = secondsEnv("DERMATRUST_LOCKOUT_WINDOW_SECONDS", cfg.LockoutWindow); err != nil {
		return Config{}, err
	}
	if cfg.LockoutCooldown, err = secondsEnv("DERMATRUST_LOCKOUT_COOLDOWN_SECONDS", cfg.LockoutCooldown); err != nil {
		return Config{}, err
	}
	if cfg.PasswordMinLength, err = intEnv("DERMATRUST_PASSWORD_MIN_LENGTH", cfg.PasswordMinLength); err != nil {
		return Config{}, err
	}
	if cfg.PasswordMinClasses, err = intEnv("DERMATRUST_PASSWORD_MIN_CLASSES", cfg.PasswordMinClasses); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func intEnv(name string, fallback int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("config: %s must be a positive integer, got %q", name, raw)
	}
	return v, nil
}

func secondsEnv(name string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("config: %s must be a positive number of seconds, got %q", name, raw)
	}
	return time.Duration(v) * time.Second, nil
}
