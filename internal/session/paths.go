package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.tgb.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tgb")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// LockPath returns the lock file path for a session.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// TelegramSessionPath returns the MTProto session file path.
func TelegramSessionPath(name string) string {
	return filepath.Join(Dir(name), "telegram.session")
}

// DBPath returns the app-owned tgb.db path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "tgb.db")
}

// MediaDir returns the directory downloaded attachments live under.
func MediaDir(name string) string {
	return filepath.Join(Dir(name), "media")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "tgbd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
		MediaDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
