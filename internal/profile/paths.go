package profile

import (
	"os"
	"path/filepath"
)

// HomeEnv overrides the base directory, mostly for tests and sandboxes.
const HomeEnv = "MKTINBOX_HOME"

// Files kept in each profile directory.
const (
	socketFile = "daemon.sock"
	cacheFile  = "cache.db"
	tokenFile  = "token"
	logDir     = "logs"
	logFile    = "inboxd.log"
)

// BaseDir is $MKTINBOX_HOME, or ~/.mktinbox.
func BaseDir() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mktinbox")
}

// ConfigPath is the config file shared by all profiles.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// Dir holds everything one profile's daemon owns, including its LOCK.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

func SocketPath(name string) string  { return filepath.Join(Dir(name), socketFile) }
func CacheDBPath(name string) string { return filepath.Join(Dir(name), cacheFile) }

// TokenPath is where the access token is read from when the config names none.
func TokenPath(name string) string { return filepath.Join(Dir(name), tokenFile) }

func LogPath(name string) string { return filepath.Join(Dir(name), logDir, logFile) }

// EnsureDir creates the profile directory and its log dir, owner-only.
func EnsureDir(name string) error {
	return os.MkdirAll(filepath.Join(Dir(name), logDir), 0700)
}
