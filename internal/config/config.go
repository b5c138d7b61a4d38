package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.tgb/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// Telegram application credentials (my.telegram.org). The session
	// bootstrap uses these; the daemon only passes them through.
	APIID   int    `toml:"api_id"`
	APIHash string `toml:"api_hash"`

	// ListenAddr is the HTTP API bind address.
	ListenAddr string `toml:"listen_addr"`

	// PageSize is the history page size used by full sync.
	PageSize int `toml:"page_size"`

	// DialogLimit caps how many dialogs a chat-list refresh fetches.
	DialogLimit int `toml:"dialog_limit"`

	// IncrementalLimit caps how many new messages one incremental sync
	// run fetches per chat.
	IncrementalLimit int `toml:"incremental_limit"`

	// MaxConcurrentDownloads bounds parallel media transfers.
	MaxConcurrentDownloads int `toml:"max_concurrent_downloads"`

	// RequestsPerSecond is the account-wide API request budget shared by
	// all sync and download calls.
	RequestsPerSecond float64 `toml:"requests_per_second"`

	// DownloadDir overrides the session media directory when set.
	DownloadDir string `toml:"download_dir"`
}

// Default returns a config with all tunables at their defaults.
func Default() *Config {
	return (&Config{}).withDefaults()
}

func (c *Config) withDefaults() *Config {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:8674"
	}
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.DialogLimit <= 0 {
		c.DialogLimit = 100
	}
	if c.IncrementalLimit <= 0 {
		c.IncrementalLimit = 500
	}
	if c.MaxConcurrentDownloads <= 0 {
		c.MaxConcurrentDownloads = 4
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 25
	}
	return c
}

// Load reads config from the given path. Returns an error if the file is
// missing; callers that can run without a config file should fall back to
// Default.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return cfg.withDefaults(), nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
