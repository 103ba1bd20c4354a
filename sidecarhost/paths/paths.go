// Package paths resolves the per-user directories the supervisor and backend use.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

// AppDirName is the directory created under the local data root.
const AppDirName = "pin-up-ai"

// LocalDataRoot returns the platform's per-user local data directory:
// %LOCALAPPDATA% on Windows, ~/Library/Application Support on macOS and
// $XDG_DATA_HOME or ~/.local/share elsewhere. It returns "" if none can be found.
func LocalDataRoot() string {
	return localDataRoot(runtime.GOOS, os.Getenv, os.UserHomeDir)
}

// DataDir returns <local data root>/pin-up-ai, or ./pin-up-ai when the root is unknown.
func DataDir() string {
	root := LocalDataRoot()
	if root == "" {
		root = "."
	}
	return filepath.Join(root, AppDirName)
}

func localDataRoot(goos string, getenv func(string) string, home func() (string, error)) string {
	switch goos {
	case "windows":
		return getenv("LOCALAPPDATA")
	case "darwin", "ios":
		dir, err := home()
		if err != nil || dir == "" {
			return ""
		}
		return filepath.Join(dir, "Library", "Application Support")
	default:
		// XDG requires an absolute path; relative values are ignored.
		if dir := getenv("XDG_DATA_HOME"); filepath.IsAbs(dir) {
			return dir
		}
		dir, err := home()
		if err != nil || dir == "" {
			return ""
		}
		return filepath.Join(dir, ".local", "share")
	}
}
