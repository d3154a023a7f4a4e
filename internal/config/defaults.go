package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "rtcore"

// dirRule resolves a directory from an environment variable, falling back
// to a path under the home directory.
type dirRule struct {
	env      string
	fallback []string
}

func (r dirRule) resolve() string {
	if r.env != "" {
		if v := os.Getenv(r.env); v != "" {
			return filepath.Join(v, appName)
		}
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(append(append([]string{home}, r.fallback...), appName)...)
}

var (
	appSupport = dirRule{fallback: []string{"Library", "Application Support"}}
	roaming    = dirRule{env: "APPDATA", fallback: []string{"AppData", "Roaming"}}

	dataDirs = map[string]dirRule{
		"darwin":  appSupport,
		"linux":   {env: "XDG_DATA_HOME", fallback: []string{".local", "share"}},
		"windows": roaming,
	}
	configDirs = map[string]dirRule{
		"darwin":  appSupport,
		"linux":   {env: "XDG_CONFIG_HOME", fallback: []string{".config"}},
		"windows": roaming,
	}
)

func platformDir(rules map[string]dirRule) string {
	if r, ok := rules[runtime.GOOS]; ok {
		return r.resolve()
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+appName)
}

// PlatformDataDir is where rtcored keeps its database and logs:
// ~/Library/Application Support/rtcore on macOS, $XDG_DATA_HOME/rtcore
// (~/.local/share/rtcore) on Linux, %APPDATA%\rtcore on Windows and
// ~/.rtcore elsewhere.
func PlatformDataDir() string {
	return platformDir(dataDirs)
}

// PlatformConfigDir is the default home of config.toml. It differs from
// PlatformDataDir only on Linux, where it is $XDG_CONFIG_HOME/rtcore.
func PlatformConfigDir() string {
	return platformDir(configDirs)
}

// FindConfigFile returns the first config.<ext> found in the working
// directory, PlatformConfigDir or DataDir, or "" if there is none.
func FindConfigFile() string {
	for _, dir := range []string{".", PlatformConfigDir(), DataDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
