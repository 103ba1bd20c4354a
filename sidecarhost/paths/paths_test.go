package paths

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func envOf(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func homeAt(dir string) func() (string, error) {
	return func() (string, error) { return dir, nil }
}

func noHome() (string, error) { return "", errors.New("$HOME is not defined") }

func TestLocalDataRoot(t *testing.T) {
	tests := []struct {
		name string
		goos string
		env  map[string]string
		home func() (string, error)
		want string
	}{
		{
			name: "windows uses LOCALAPPDATA",
			goos: "windows",
			env:  map[string]string{"LOCALAPPDATA": `C:\Users\a\AppData\Local`},
			home: homeAt(`C:\Users\a`),
			want: `C:\Users\a\AppData\Local`,
		},
		{
			name: "windows without LOCALAPPDATA",
			goos: "windows",
			home: homeAt(`C:\Users\a`),
			want: "",
		},
		{
			name: "darwin",
			goos: "darwin",
			home: homeAt("/Users/a"),
			want: filepath.Join("/Users/a", "Library", "Application Support"),
		},
		{
			name: "linux honors XDG_DATA_HOME",
			goos: "linux",
			env:  map[string]string{"XDG_DATA_HOME": "/data/xdg"},
			home: homeAt("/home/a"),
			want: "/data/xdg",
		},
		{
			name: "linux ignores relative XDG_DATA_HOME",
			goos: "linux",
			env:  map[string]string{"XDG_DATA_HOME": "relative"},
			home: homeAt("/home/a"),
			want: filepath.Join("/home/a", ".local", "share"),
		},
		{
			name: "linux without home",
			goos: "linux",
			home: noHome,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, localDataRoot(tt.goos, envOf(tt.env), tt.home))
		})
	}
}

func TestDataDirEndsWithAppDir(t *testing.T) {
	assert.Equal(t, AppDirName, filepath.Base(DataDir()))
}
