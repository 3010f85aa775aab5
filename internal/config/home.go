package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Well-known file names under the gateway home directory.
const (
	ConfigFile  = "config.json"
	SecretFile  = "secret.key"
	DBFile      = "cc-gw.db"
	PIDFile     = "cc-gw.pid"
	LogDir      = "logs"
	DaemonLog   = "cc-gw.log"
	HomeEnvVar  = "CC_GW_HOME"
	defaultHome = ".cc-gw"
)

// HomeDir resolves the gateway home directory: $CC_GW_HOME if set, else
// $HOME/.cc-gw. The directory is created if missing.
func HomeDir() (string, error) {
	dir := os.Getenv(HomeEnvVar)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("config: resolve home: %w", err)
		}
		dir = filepath.Join(home, defaultHome)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("config: create home %s: %w", dir, err)
	}
	return dir, nil
}
