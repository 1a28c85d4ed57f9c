// Package config loads certkeep settings from YAML with CERTKEEP_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jmcleod/certkeep/internal/logger"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CERTKEEP_"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverBBolt    = "bbolt"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config is the full certkeep configuration.
type Config struct {
	Log logger.Config `yaml:"log"`

	Storage struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
		DSN    string `yaml:"dsn"`
		Redis  struct {
			Addr   string `yaml:"addr"`
			DB     int    `yaml:"db"`
			Prefix string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"storage"`

	PKI struct {
		DefaultValidityDays int    `yaml:"default_validity_days"`
		KDFIterations       int    `yaml:"kdf_iterations"`
		SignatureHash       string `yaml:"signature_hash"`
	} `yaml:"pki"`

	Server struct {
		Addr       string `yaml:"addr"`
		TLSCert    string `yaml:"tls_cert"`
		TLSKey     string `yaml:"tls_key"`
		AuthSecret string `yaml:"auth_secret"`
	} `yaml:"server"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// Load reads the YAML file at path, loads .env files when present, applies
// CERTKEEP_* overrides and validates the result. An empty path skips the
// YAML step.
func Load(path string, envFiles ...string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	for _, f := range envFiles {
		// godotenv.Load never overrides variables already set.
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", f, err)
		}
	}

	c.applyEnvOverrides()
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) setDefaults() {
	if c.Log.Env == "" {
		c.Log.Env = "dev"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Storage.Driver == DriverBBolt && c.Storage.Path == "" {
		c.Storage.Path = "certkeep.db"
	}
	if c.Storage.Redis.Addr == "" {
		c.Storage.Redis.Addr = "localhost:6379"
	}
	if c.PKI.KDFIterations == 0 {
		c.PKI.KDFIterations = 100000
	}
	if c.PKI.SignatureHash == "" {
		c.PKI.SignatureHash = "sha256"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8443"
	}
}

// Validate reports configuration that cannot be used.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverBBolt, DriverRedis:
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return errors.New("config: storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if c.PKI.DefaultValidityDays < 0 {
		return fmt.Errorf("config: pki.default_validity_days must not be negative")
	}
	if c.PKI.KDFIterations < 1000 {
		return fmt.Errorf("config: pki.kdf_iterations must be at least 1000, got %d", c.PKI.KDFIterations)
	}
	switch strings.ToLower(c.PKI.SignatureHash) {
	case "sha1", "sha256", "sha384", "sha512":
	default:
		return fmt.Errorf("config: unsupported pki.signature_hash %q", c.PKI.SignatureHash)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("config: server.tls_cert and server.tls_key must be set together")
	}
	return nil
}

// ---- env helpers ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(EnvPrefix + key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}

func (c *Config) applyEnvOverrides() {
	// LOG
	if v, ok := getEnvStr("LOG_ENV"); ok {
		c.Log.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.Log.Level = v
	}

	// STORAGE
	if v, ok := getEnvStr("STORAGE_DRIVER"); ok {
		c.Storage.Driver = strings.ToLower(v)
	}
	if v, ok := getEnvStr("STORAGE_PATH"); ok {
		c.Storage.Path = v
	}
	if v, ok := getEnvStr("STORAGE_DSN"); ok {
		c.Storage.DSN = v
	}
	if v, ok := getEnvStr("REDIS_ADDR"); ok {
		c.Storage.Redis.Addr = v
	}
	if v, ok := getEnvInt("REDIS_DB"); ok {
		c.Storage.Redis.DB = v
	}
	if v, ok := getEnvStr("REDIS_PREFIX"); ok {
		c.Storage.Redis.Prefix = v
	}

	// PKI
	if v, ok := getEnvInt("PKI_DEFAULT_VALIDITY_DAYS"); ok {
		c.PKI.DefaultValidityDays = v
	}
	if v, ok := getEnvInt("PKI_KDF_ITERATIONS"); ok {
		c.PKI.KDFIterations = v
	}
	if v, ok := getEnvStr("PKI_SIGNATURE_HASH"); ok {
		c.PKI.SignatureHash = strings.ToLower(v)
	}

	// SERVER
	if v, ok := getEnvStr("SERVER_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvStr("SERVER_TLS_CERT"); ok {
		c.Server.TLSCert = v
	}
	if v, ok := getEnvStr("SERVER_TLS_KEY"); ok {
		c.Server.TLSKey = v
	}
	if v, ok := getEnvStr("SERVER_AUTH_SECRET"); ok {
		c.Server.AuthSecret = v
	}
}
