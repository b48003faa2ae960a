// Package config loads layered configuration (file, then FLEETSSH_
// environment variables) into overrides for the root Env frame. It
// produces a map[string]any keyed by Env key directly, since fleetssh's
// configuration surface is the same typed key-value bag used everywhere
// else rather than a separate struct threaded through the CLI layer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"github.com/relaypath/fleetssh/internal/env"
)

type kind int

const (
	kindString kind = iota
	kindInt
	kindBool
	kindStringSlice
)

// keys lists every Env key that config file or environment settings may
// override, and how to decode it.
var keys = map[string]kind{
	"user":                 kindString,
	"port":                 kindInt,
	"password":             kindString,
	"key_filename":         kindString,
	"no_agent":             kindBool,
	"no_keys":              kindBool,
	"gateway":              kindString,
	"timeout":              kindInt,
	"command_timeout":      kindInt,
	"connection_attempts":  kindInt,
	"keepalive":            kindInt,
	"parallel":             kindBool,
	"pool_size":            kindInt,
	"warn_only":            kindBool,
	"abort_on_prompts":     kindBool,
	"sudo_prompt":          kindString,
	"sudo_user":            kindString,
	"sudo_group":           kindString,
	"shell":                kindString,
	"always_use_pty":       kindBool,
	"combine_stderr":       kindBool,
	"linewise":             kindBool,
	"output_prefix":        kindBool,
	"hosts":                kindStringSlice,
	"roles":                kindStringSlice,
	"exclude_hosts":        kindStringSlice,
	"skip_bad_hosts":       kindBool,
	"skip_unreachable":     kindBool,
	"remote_interrupt":     kindBool,
	"reject_unknown_hosts": kindBool,
	"disable_known_hosts":  kindBool,
	"log_level":            kindString,
	"log_format":           kindString,
	"quiet":                kindBool,
}

// Manager loads and validates configuration overrides.
type Manager struct {
	v *viper.Viper
}

// NewManager creates a configuration manager backed by a fresh viper instance.
func NewManager() *Manager {
	return &Manager{v: viper.New()}
}

// SetDefaults establishes the subset of defaults that matter before a
// config file is read; the rest come from env.defaultValues and are only
// overridden here when actually set.
func (m *Manager) SetDefaults() {
	m.v.SetDefault("timeout", 10)
	m.v.SetDefault("command_timeout", 0)
	m.v.SetDefault("connection_attempts", 1)
	m.v.SetDefault("reject_unknown_hosts", true)
	m.v.SetDefault("log_level", "info")
	m.v.SetDefault("log_format", "text")
}

// Load reads config.{yaml,yml,json,toml} from the current directory,
// ~/.config/fleetssh/, and /etc/fleetssh/ in that precedence order, then
// layers FLEETSSH_-prefixed environment variables on top, and returns the
// keys that were actually set as Env overrides.
func (m *Manager) Load() (map[string]any, error) {
	m.SetDefaults()

	m.v.SetConfigName("config")
	m.v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		m.v.AddConfigPath(filepath.Join(home, ".config", "fleetssh"))
	}
	m.v.AddConfigPath("/etc/fleetssh/")

	m.v.SetEnvPrefix("FLEETSSH")
	m.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	m.v.AutomaticEnv()

	for _, format := range []string{"yaml", "yml", "json", "toml"} {
		m.v.SetConfigType(format)
		if err := m.v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				continue
			}
			return nil, fmt.Errorf("error reading %s config file: %w", format, err)
		}
		break
	}

	overrides := map[string]any{}
	for key, k := range keys {
		// IsSet also reports keys that only carry a SetDefaults value, so a
		// key counts as set only when the config file or the environment has it.
		_, inEnv := os.LookupEnv("FLEETSSH_" + strings.ToUpper(key))
		if !m.v.InConfig(key) && !inEnv {
			continue
		}
		switch k {
		case kindString:
			overrides[key] = m.v.GetString(key)
		case kindInt:
			overrides[key] = m.v.GetInt(key)
		case kindBool:
			overrides[key] = m.v.GetBool(key)
		case kindStringSlice:
			overrides[key] = m.v.GetStringSlice(key)
		}
	}

	if err := Validate(overrides); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return overrides, nil
}

// Validate rejects a small number of enum-shaped values that would
// otherwise fail confusingly deep inside the logging package.
func Validate(overrides map[string]any) error {
	if level, ok := overrides["log_level"].(string); ok {
		if level != "info" && level != "error" && level != "debug" {
			return fmt.Errorf("invalid log_level %q: must be info, error, or debug", level)
		}
	}
	if format, ok := overrides["log_format"].(string); ok {
		if format != "text" && format != "json" {
			return fmt.Errorf("invalid log_format %q: must be text or json", format)
		}
	}
	if v, ok := overrides["port"].(int); ok && (v < 1 || v > 65535) {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", v)
	}
	return nil
}

// Apply writes every override onto e's own frame (typically the root Env).
func Apply(e *env.Env, overrides map[string]any) {
	for k, v := range overrides {
		e.Set(k, v)
	}
}

// GetEnvVarNames returns every FLEETSSH_ environment variable name config
// recognizes, sorted, for use in --help text.
func GetEnvVarNames() []string {
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, "FLEETSSH_"+strings.ToUpper(k))
	}
	sort.Strings(names)
	return names
}
