package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/matheus3301/amora/internal/config"
)

func TestPathsUnderHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv(HomeEnv, home)

	tests := []struct {
		got  string
		want string
	}{
		{Dir("main"), filepath.Join(home, "sessions", "main")},
		{SocketPath("w"), filepath.Join(home, "sessions", "w", "daemon.sock")},
		{ConfigPath("w"), filepath.Join(home, "sessions", "w", "session.toml")},
		{DBPath("w"), filepath.Join(home, "sessions", "w", "amora.db")},
		{LogPath("w"), filepath.Join(home, "sessions", "w", "logs", "amorad.log")},
		{GlobalConfigPath(), filepath.Join(home, "config.toml")},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("path = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestDefaultBaseDir(t *testing.T) {
	t.Setenv(HomeEnv, "")
	home, _ := os.UserHomeDir()
	if got, want := BaseDir(), filepath.Join(home, ".amora"); got != want {
		t.Errorf("BaseDir() = %q, want %q", got, want)
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(LogDir("test"))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("log dir permission = %o, want 0700", perm)
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "main", false},
		{"digits", "work123", false},
		{"hyphen", "my-session", false},
		{"underscore", "my_session", false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"dot", "my.session", true},
		{"slash", "../etc", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestResolvePrecedence(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	t.Setenv(NameEnv, "")

	if got := Resolve(""); got != DefaultName {
		t.Errorf("Resolve() = %q, want %q", got, DefaultName)
	}
	if err := config.Save(GlobalConfigPath(), &config.Config{DefaultSession: "cfg"}); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "cfg" {
		t.Errorf("Resolve() = %q, want cfg", got)
	}
	t.Setenv(NameEnv, "env")
	if got := Resolve(""); got != "env" {
		t.Errorf("Resolve() = %q, want env", got)
	}
	if got := Resolve("flag"); got != "flag" {
		t.Errorf("Resolve(flag) = %q, want flag", got)
	}
}
