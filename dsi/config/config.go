// Package config reads the core's own configuration file: a flat
// whitespace-separated key/value format with '#' comments, the same
// shape original_source's gridftp_hpss_dsi.conf used. A dedicated
// parser is used here rather than one of the structured-format
// libraries elsewhere in this module's dependency tree (INI, YAML,
// TOML) because the file predates all of them and its grammar is
// simpler than any of those formats — one key, one value, to end of
// line; pulling in a general-purpose parser to read five lines would
// be the wrong trade.
package config

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const (
	envConfigFile = "HPSS_DSI_CONFIG_FILE"
	envHPSSEtc    = "HPSS_PATH_ETC"
	defaultPath   = "/var/hpss/etc/gridftp_hpss_dsi.conf"
	fallbackName  = "gridftp_hpss_dsi.conf"
)

// Config is the core's own process configuration, distinct from
// anything the frame or archive collaborators configure themselves.
type Config struct {
	LoginName          string
	AuthenticationMech string
	AuthenticatorType  string
	AuthenticatorPath  string
	QuotaSupport       bool
	UDAChecksumSupport bool
}

// Locate finds the config file using the lookup order spec.md §6
// describes: an explicit environment override, then HPSS's own etc
// directory, then the packaged default path.
func Locate() string {
	if p := os.Getenv(envConfigFile); p != "" {
		return p
	}
	if etc := os.Getenv(envHPSSEtc); etc != "" {
		return filepath.Join(etc, fallbackName)
	}
	return defaultPath
}

// Load locates and parses the config file.
func Load() (*Config, error) {
	path := Locate()
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: open %s", path)
	}
	defer f.Close()
	cfg, err := Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "config: %s", path)
	}
	return cfg, nil
}

// Parse reads the key/value config format from r.
func Parse(r io.Reader) (*Config, error) {
	cfg := &Config{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, errors.Errorf("malformed line %q", line)
		}
		key := fields[0]
		value := strings.Join(fields[1:], " ")

		var err error
		switch key {
		case "LoginName":
			cfg.LoginName = value
		case "AuthenticationMech":
			cfg.AuthenticationMech = value
		case "Authenticator":
			typ, path, ok := strings.Cut(value, ":")
			if !ok {
				return nil, errors.Errorf("Authenticator must be <type>:<path>, got %q", value)
			}
			cfg.AuthenticatorType = typ
			cfg.AuthenticatorPath = path
		case "QuotaSupport":
			cfg.QuotaSupport, err = parseBool(value)
		case "UDAChecksumSupport":
			cfg.UDAChecksumSupport, err = parseBool(value)
		default:
			return nil, errors.Errorf("unknown config key %q", key)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan")
	}
	return cfg, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "yes", "1", "on":
		return true, nil
	case "false", "no", "0", "off":
		return false, nil
	default:
		return false, errors.Errorf("invalid boolean %q", s)
	}
}
