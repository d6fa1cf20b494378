// Package session resolves the on-disk layout of a named session under
// ~/.amora.
package session

import (
	"os"
	"path/filepath"
)

// HomeEnv relocates the base directory, mostly for tests and sandboxes.
const HomeEnv = "AMORA_HOME"

// BaseDir returns $AMORA_HOME or ~/.amora.
func BaseDir() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".amora")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// SocketPath returns the UDS socket path for a session.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// ConfigPath returns the session.toml path.
func ConfigPath(name string) string {
	return filepath.Join(Dir(name), "session.toml")
}

// DBPath returns the durable outbox database path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "amora.db")
}

func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "amorad.log")
}

// GlobalConfigPath returns ~/.amora/config.toml.
func GlobalConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
