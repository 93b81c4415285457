package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "elf-backend"
	// DefaultListenAddr is the primary gateway listen address.
	DefaultListenAddr = ":8080"
	// DefaultTransferListenAddr is the companion byte-stream listen address.
	DefaultTransferListenAddr = ":8081"
	// DefaultMaxMessageSize is the largest single frame payload (1 MiB).
	DefaultMaxMessageSize = 1 << 20
	// DefaultMaxUploadSize caps declared upload sizes (4 GiB - 1).
	DefaultMaxUploadSize = 4294967295
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Config contains persistent server settings.
type Config struct {
	ListenAddr         string `json:"listen_addr"`
	TransferListenAddr string `json:"transfer_listen_addr"`
	MetricsListenAddr  string `json:"metrics_listen_addr"`
	LogLevel           string `json:"log_level"`

	MaxMessageSize int   `json:"max_message_size"`
	MaxUploadSize  int64 `json:"max_upload_size"`

	MessagesPerSecond     int  `json:"messages_per_second"`
	BlockTimeSeconds      int  `json:"block_time_seconds"`
	PingCountsTowardLimit bool `json:"ping_counts_toward_limit"`

	SweepIntervalSeconds int  `json:"sweep_interval_seconds"`
	MaxUploadTimeSeconds int  `json:"max_upload_time_seconds"`
	DownloadTTLSeconds   int  `json:"download_ttl_seconds"`
	DeleteOnSizeMismatch bool `json:"delete_on_size_mismatch"`
	TokenLifetimeSeconds int  `json:"token_lifetime_seconds"`

	Ed25519PrivateKeyPath string `json:"ed25519_private_key_path"`
	Ed25519PublicKeyPath  string `json:"ed25519_public_key_path"`

	// Actions maps an action name to a registered "module.method" reference.
	Actions map[string]string `json:"actions"`
	// SpecialConnections maps a first-frame key to a registered
	// "module.handler" reference that takes over the connection.
	SpecialConnections map[string]string `json:"special_connections"`
}

// BlockTime returns the rate-limit cooldown as a duration.
func (c *Config) BlockTime() time.Duration {
	return time.Duration(c.BlockTimeSeconds) * time.Second
}

// SweepInterval returns the abandoned-upload sweep period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// MaxUploadTime returns the idle age after which an upload file is
// considered abandoned.
func (c *Config) MaxUploadTime() time.Duration {
	return time.Duration(c.MaxUploadTimeSeconds) * time.Second
}

// DownloadTTL returns the lifetime of a download session handle.
func (c *Config) DownloadTTL() time.Duration {
	return time.Duration(c.DownloadTTLSeconds) * time.Second
}

// TokenLifetime returns the validity window of issued auth tokens.
func (c *Config) TokenLifetime() time.Duration {
	return time.Duration(c.TokenLifetimeSeconds) * time.Second
}

// ResolveDataDir returns the app data directory.
//
// If ELF_BACKEND_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("ELF_BACKEND_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, AppDirectoryName), nil
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// FileStorageDir returns the root of per-user upload storage.
func FileStorageDir(dataDir string) string {
	return filepath.Join(dataDir, "filestorage")
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		FileStorageDir(dataDir),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *Config {
	keysDir := filepath.Join(dataDir, "keys")
	return &Config{
		ListenAddr:            DefaultListenAddr,
		TransferListenAddr:    DefaultTransferListenAddr,
		MetricsListenAddr:     "",
		LogLevel:              "info",
		MaxMessageSize:        DefaultMaxMessageSize,
		MaxUploadSize:         DefaultMaxUploadSize,
		MessagesPerSecond:     30,
		BlockTimeSeconds:      10,
		PingCountsTowardLimit: false,
		SweepIntervalSeconds:  60,
		MaxUploadTimeSeconds:  3600,
		DownloadTTLSeconds:    600,
		DeleteOnSizeMismatch:  false,
		TokenLifetimeSeconds:  86400,
		Ed25519PrivateKeyPath: filepath.Join(keysDir, "ed25519_private.pem"),
		Ed25519PublicKeyPath:  filepath.Join(keysDir, "ed25519_public.pem"),
		Actions:               defaultActions(),
		SpecialConnections:    defaultSpecialConnections(),
	}
}

func defaultActions() map[string]string {
	return map[string]string{
		"createUpload":     "fileStorage.createUpload",
		"finalizeUpload":   "fileStorage.finalizeUpload",
		"fileInfo":         "fileStorage.fileInfo",
		"getFiles":         "fileStorage.getFiles",
		"deleteFile":       "fileStorage.deleteFile",
		"createDownload":   "fileStorage.createDownload",
		"auth":             "users.auth",
		"getUsers":         "users.getUsers",
		"getNotifications": "users.getNotifications",
	}
}

func defaultSpecialConnections() map[string]string {
	return map[string]string{
		"ELF-UPLOAD":   "fileStorage.upload",
		"ELF-DOWNLOAD": "fileStorage.download",
		"ELF-EVENTS":   "events.events",
	}
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
		updated = true
	}
	if cfg.TransferListenAddr == "" {
		cfg.TransferListenAddr = DefaultTransferListenAddr
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
		updated = true
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
		updated = true
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = DefaultMaxUploadSize
		updated = true
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = 30
		updated = true
	}
	if cfg.BlockTimeSeconds <= 0 {
		cfg.BlockTimeSeconds = 10
		updated = true
	}
	if cfg.SweepIntervalSeconds <= 0 {
		cfg.SweepIntervalSeconds = 60
		updated = true
	}
	if cfg.MaxUploadTimeSeconds <= 0 {
		cfg.MaxUploadTimeSeconds = 3600
		updated = true
	}
	if cfg.DownloadTTLSeconds <= 0 {
		cfg.DownloadTTLSeconds = 600
		updated = true
	}
	if cfg.TokenLifetimeSeconds <= 0 {
		cfg.TokenLifetimeSeconds = 86400
		updated = true
	}
	if cfg.Ed25519PrivateKeyPath == "" {
		cfg.Ed25519PrivateKeyPath = filepath.Join(keysDir, "ed25519_private.pem")
		updated = true
	}
	if cfg.Ed25519PublicKeyPath == "" {
		cfg.Ed25519PublicKeyPath = filepath.Join(keysDir, "ed25519_public.pem")
		updated = true
	}
	if len(cfg.Actions) == 0 {
		cfg.Actions = defaultActions()
		updated = true
	}
	if len(cfg.SpecialConnections) == 0 {
		cfg.SpecialConnections = defaultSpecialConnections()
		updated = true
	}

	return updated
}
