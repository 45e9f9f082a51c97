package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultAppName names the config and data directories when no override is given.
const DefaultAppName = "waypoint"

// Environment variables that override resolved locations.
const (
	EnvConfigPath = "WAYPOINT_CONFIG"
	EnvDBPath     = "WAYPOINT_DB_PATH"
)

// Paths holds the on-disk locations one waypoint install uses.
type Paths struct {
	AppName    string
	ConfigPath string
	DataDir    string
	DBPath     string
}

// Options controls path resolution.
type Options struct {
	AppName string
	DevMode bool
}

// DefaultPaths resolves paths for the default app name.
func DefaultPaths() (Paths, error) {
	return DefaultPathsWithOptions(Options{})
}

// DefaultPathsWithOptions resolves per-user config and data locations. Dev mode
// appends "-dev" to the app name so development runs never touch real data.
func DefaultPathsWithOptions(opts Options) (Paths, error) {
	appName := appNameFor(opts)

	configDir, err := os.UserConfigDir()
	if err != nil {
		return Paths{}, fmt.Errorf("user config dir: %w", err)
	}
	dataDir := configDir
	switch runtime.GOOS {
	case "linux":
		home, homeErr := os.UserHomeDir()
		if homeErr != nil {
			return Paths{}, fmt.Errorf("user home dir: %w", homeErr)
		}
		dataDir = filepath.Join(home, ".local", "share")
	case "windows":
		if v := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); v != "" {
			dataDir = v
		}
	}

	return PathsFor(runtime.GOOS, environ(), configDir, dataDir, appName)
}

// PathsFor computes paths for goos from explicit base directories and environment values.
// WAYPOINT_CONFIG and WAYPOINT_DB_PATH in env replace the computed file locations.
func PathsFor(goos string, env map[string]string, userConfigDir, userDataDir, appName string) (Paths, error) {
	if userConfigDir == "" || userDataDir == "" {
		return Paths{}, fmt.Errorf("empty base dirs")
	}
	appName = strings.TrimSpace(appName)
	if appName == "" {
		return Paths{}, fmt.Errorf("empty app name")
	}

	configBase, dataBase := userConfigDir, userDataDir
	switch goos {
	case "linux":
		configBase = firstNonEmpty(env["XDG_CONFIG_HOME"], configBase)
		dataBase = firstNonEmpty(env["XDG_DATA_HOME"], dataBase)
	case "windows":
		configBase = firstNonEmpty(env["APPDATA"], configBase)
		dataBase = firstNonEmpty(env["LOCALAPPDATA"], dataBase)
	}

	dataDir := filepath.Join(dataBase, appName)
	return Paths{
		AppName:    appName,
		ConfigPath: firstNonEmpty(env[EnvConfigPath], filepath.Join(configBase, appName, "config.toml")),
		DataDir:    dataDir,
		DBPath:     firstNonEmpty(env[EnvDBPath], filepath.Join(dataDir, appName+".db")),
	}, nil
}

func appNameFor(opts Options) string {
	name := strings.TrimSpace(opts.AppName)
	if name == "" {
		name = DefaultAppName
	}
	if opts.DevMode {
		name += "-dev"
	}
	return name
}

func environ() map[string]string {
	keys := []string{"XDG_CONFIG_HOME", "XDG_DATA_HOME", "APPDATA", "LOCALAPPDATA", EnvConfigPath, EnvDBPath}
	env := make(map[string]string, len(keys))
	for _, key := range keys {
		env[key] = os.Getenv(key)
	}
	return env
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
