package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables read by DatabaseFromEnv.
const (
	EnvDatabaseURL = "DATABASE_URL"
	EnvHost        = "DB_HOST"
	EnvPort        = "DB_PORT"
	EnvName        = "DB_NAME"
	EnvUser        = "DB_USER"
	EnvPassword    = "DB_PASSWORD"
	EnvSchema      = "DB_SCHEMA"
	EnvLogLevel    = "LOG_LEVEL"
)

// DefaultNamespace is used when DB_SCHEMA is unset.
const DefaultNamespace = "public"

// RequiredDatabaseVars lists the variables needed when DATABASE_URL is unset.
var RequiredDatabaseVars = []string{EnvHost, EnvPort, EnvName, EnvUser, EnvPassword}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) (bool, error) {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("load %s: %w", path, err)
	}
	return true, nil
}

// DatabaseSettings holds PostgreSQL connection parameters.
type DatabaseSettings struct {
	URL      string
	Host     string
	Port     string
	Name     string
	User     string
	Password string
}

// MissingEnvError lists required variables that are unset.
type MissingEnvError struct {
	Vars []string
}

func (e *MissingEnvError) Error() string {
	return "missing required environment variables: " + strings.Join(e.Vars, ", ")
}

// DatabaseFromEnv reads connection settings. DATABASE_URL wins over the
// individual DB_* variables.
func DatabaseFromEnv() (DatabaseSettings, error) {
	if u := strings.TrimSpace(os.Getenv(EnvDatabaseURL)); u != "" {
		return DatabaseSettings{URL: u}, nil
	}

	settings := DatabaseSettings{
		Host:     os.Getenv(EnvHost),
		Port:     os.Getenv(EnvPort),
		Name:     os.Getenv(EnvName),
		User:     os.Getenv(EnvUser),
		Password: os.Getenv(EnvPassword),
	}
	var missing []string
	for _, name := range RequiredDatabaseVars {
		if os.Getenv(name) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return settings, &MissingEnvError{Vars: missing}
	}
	return settings, nil
}

// ConnString returns a postgres:// URL usable by pgxpool.ParseConfig.
func (s DatabaseSettings) ConnString() string {
	if s.URL != "" {
		return s.URL
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(s.User, s.Password),
		Host:   net.JoinHostPort(s.Host, s.Port),
		Path:   "/" + s.Name,
	}
	return u.String()
}

// Redacted is ConnString with the password masked, for logs.
func (s DatabaseSettings) Redacted() string {
	u, err := url.Parse(s.ConnString())
	if err != nil {
		return "<invalid database url>"
	}
	return u.Redacted()
}

// NamespaceFromEnv returns DB_SCHEMA or DefaultNamespace.
func NamespaceFromEnv() string {
	if ns := strings.TrimSpace(os.Getenv(EnvSchema)); ns != "" {
		return ns
	}
	return DefaultNamespace
}
