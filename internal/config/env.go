package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnv loads KEY=VALUE pairs from the given files (".env" when none) into
// the process environment. Missing files are skipped; variables already set
// in the environment win.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// Credentials are the portal login pair for one institution.
type Credentials struct {
	Username string
	Password string
}

// EnvPrefix turns an institution id into its variable prefix: wells_fargo -> WELLS_FARGO.
func EnvPrefix(institutionID string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", " ", "_").Replace(institutionID))
}

// CredentialsFor reads <ID>_USERNAME and <ID>_PASSWORD.
func CredentialsFor(institutionID string) (Credentials, error) {
	prefix := EnvPrefix(institutionID)
	c := Credentials{
		Username: os.Getenv(prefix + "_USERNAME"),
		Password: os.Getenv(prefix + "_PASSWORD"),
	}
	if c.Username == "" || c.Password == "" {
		return Credentials{}, fmt.Errorf("missing credentials: set %s_USERNAME and %s_PASSWORD", prefix, prefix)
	}
	return c, nil
}
