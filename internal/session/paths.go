// Package session resolves per-identity filesystem layout. Each identity
// owns one daemon, one database, one event cache and one socket under
// ~/.chatsync/identities/<name>/.
package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.chatsync.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatsync")
}

// Dir returns the identity-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "identities", name)
}

// SocketPath returns the UDS socket path for an identity's daemon.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// LockPath returns the daemon lock file path for an identity.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "daemon.lock")
}

// DBPath returns the identity's sqlite database path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "chatsync.db")
}

// CacheDir returns the identity's event cache directory.
func CacheDir(name string) string {
	return filepath.Join(Dir(name), "events")
}

// LogDir returns the log directory for an identity.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "chatsyncd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the identity directory tree with owner-only permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
