package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is the config file looked up in the search path.
const DefaultFileName = "tokend.yaml"

const redacted = "********"

const defaultHeader = `# tokend configuration
#
# Every key can be overridden with an environment variable: prefix it with
# TOKEND_, upper-case it and replace dots with underscores, for example
# TOKEND_AUTH_SESSION_SECRET. The session secret has no default and must be
# at least 32 bytes.

`

// WriteDefault writes the default configuration to path. An existing file
// is only replaced when force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	data, err := yaml.Marshal(Defaults())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	return os.WriteFile(path, append([]byte(defaultHeader), data...), 0o600)
}

// YAML renders c with secrets redacted.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}

// Redacted returns a copy of c safe to print: the session secret and any
// password in the database DSN are masked.
func (c Config) Redacted() Config {
	out := c
	out.Server.CORSOrigins = append([]string(nil), c.Server.CORSOrigins...)
	if out.Auth.SessionSecret != "" {
		out.Auth.SessionSecret = redacted
	}
	out.Database.DSN = redactDSN(c.Database.DSN)
	return out
}

// mysqlPassword matches the password of a go-sql-driver DSN
// (user:password@tcp(host)/db).
var mysqlPassword = regexp.MustCompile(`^([^:@/]*):[^@]*@`)

func redactDSN(dsn string) string {
	if dsn == "" {
		return dsn
	}
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" && u.User != nil {
		if _, ok := u.User.Password(); ok {
			// url escapes '*' in userinfo, so mask after encoding.
			const placeholder = "REDACTED"
			u.User = url.UserPassword(u.User.Username(), placeholder)
			return strings.Replace(u.String(), ":"+placeholder+"@", ":"+redacted+"@", 1)
		}
		return dsn
	}
	return mysqlPassword.ReplaceAllString(dsn, "${1}:"+redacted+"@")
}
