package session

import (
	"fmt"
	"os"
	"regexp"

	"github.com/matheus3301/amora/internal/config"
)

const DefaultName = "main"

// NameEnv selects the session when no flag is given.
const NameEnv = "AMORA_SESSION"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name can be used as a directory name.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match %s", name, nameRegexp)
	}
	return nil
}

// Resolve picks the session name: the flag, then $AMORA_SESSION, then
// default_session from config.toml, then "main".
func Resolve(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(NameEnv); env != "" {
		return env
	}
	if cfg, err := config.Load(GlobalConfigPath()); err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultName
}
