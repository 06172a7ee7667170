// Package config handles loading and validating the application
// configuration from a pds.json file.
//
// The configuration file is expected to be a JSON object with database
// connection details, HTTP listen address, and the repository's
// signing/sequencing options.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
)

// Config holds all application configuration loaded from pds.json.
// The file is read once at startup; changes require a restart.
type Config struct {
	// DBConn is the PostgreSQL host:port (e.g., "localhost:5432").
	DBConn string `json:"dbConn"`

	// DBName is the PostgreSQL database name.
	DBName string `json:"dbName"`

	// DBUser is the PostgreSQL username.
	DBUser string `json:"dbUser"`

	// DBPass is the PostgreSQL password.
	DBPass string `json:"dbPass"`

	// ListenAddr is the HTTP listen address (default ":3000").
	ListenAddr string `json:"listenAddr"`

	// Handle is this server's single account handle (e.g.
	// "alice.example.com"). Seeded into the identity table on first
	// boot; ignored afterward.
	Handle string `json:"handle"`

	// RepoSigningKey is the repository's secp256k1 private signing key
	// in multibase form (see internal/repo.ParseKey). When empty on
	// first boot, a new key is generated and persisted.
	RepoSigningKey string `json:"repoSigningKey,omitempty"`

	// SigningAlgorithm names the signing key's curve. Only "k256" is
	// currently supported; present for forward compatibility with the
	// atproto cryptographic suite.
	SigningAlgorithm string `json:"signingAlgorithm,omitempty"`

	// SeqWindow is how many of the most recent firehose events
	// commit_log retains. Zero uses events.DefaultRetentionWindow.
	SeqWindow int64 `json:"seqWindow,omitempty"`

	// MaxJSONBytes is parsed from the config file, but no write path
	// reads it: record JSON size is not checked.
	MaxJSONBytes int `json:"maxJsonBytes,omitempty"`

	// AdminKey is a shared secret authenticating write requests,
	// standing in for the out-of-scope OAuth/DPoP session layer (spec
	// §1 Non-goals, internal/auth).
	AdminKey string `json:"adminKey"`

	// JWTSecret signs session access/refresh tokens. When empty, one is
	// generated at startup — sessions won't survive a restart, but the
	// single-user admin key always re-authenticates a fresh one.
	JWTSecret string `json:"jwtSecret,omitempty"`

	// ServiceURL is this server's externally reachable base URL (e.g.
	// "https://alice.example.com"), used to derive its did:web service
	// DID and the serviceEndpoint published in DID documents. Optional;
	// when empty, describeServer reports an empty service DID.
	ServiceURL string `json:"serviceUrl,omitempty"`
}

// Load reads and parses configuration from the given file path.
// It returns an error if the file cannot be read, parsed, or is missing
// required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":3000"
	}
	if cfg.SigningAlgorithm == "" {
		cfg.SigningAlgorithm = "k256"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate checks that all required fields are present.
func (c *Config) validate() error {
	switch {
	case c.DBConn == "":
		return fmt.Errorf("config: dbConn is required")
	case c.DBName == "":
		return fmt.Errorf("config: dbName is required")
	case c.DBUser == "":
		return fmt.Errorf("config: dbUser is required")
	case c.DBPass == "":
		return fmt.Errorf("config: dbPass is required")
	case c.Handle == "":
		return fmt.Errorf("config: handle is required")
	case c.AdminKey == "":
		return fmt.Errorf("config: adminKey is required")
	case c.SigningAlgorithm != "k256":
		return fmt.Errorf("config: signingAlgorithm %q is not supported", c.SigningAlgorithm)
	}
	return nil
}

// ConnString builds a PostgreSQL connection URI from the config fields.
// The password is URL-encoded to handle special characters safely.
func (c *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		url.QueryEscape(c.DBUser),
		url.QueryEscape(c.DBPass),
		c.DBConn,
		url.QueryEscape(c.DBName),
	)
}
