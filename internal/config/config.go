// Package config resolves server startup settings from CLI flags and an
// optional YAML overlay file.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds server startup settings.
type Config struct {
	Port       int    `yaml:"port"`
	Dir        string `yaml:"dir"`
	DBFilename string `yaml:"dbfilename"`
	ReplicaOf  string `yaml:"replicaof"`

	LogDir   string `yaml:"logDir"`
	LogLevel string `yaml:"logLevel"`

	// MasterHost/MasterPort are populated by Validate from ReplicaOf.
	MasterHost string `yaml:"-"`
	MasterPort int    `yaml:"-"`
}

// ValidationError collects every problem found in a Config so operators see
// all of them at once instead of one at a time.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Errors, "; "))
}

func defaults() Config {
	return Config{
		Port:     6379,
		LogDir:   "logs",
		LogLevel: "info",
	}
}

// ParseArgs parses CLI flags (and an optional --config YAML overlay, which
// flags always take precedence over) into a validated Config.
func ParseArgs(args []string) (*Config, error) {
	fs := flag.NewFlagSet("redisd", flag.ContinueOnError)

	cfgPath := fs.String("config", "", "optional YAML config file")
	port := fs.Int("port", 0, "listen port (default 6379)")
	dir := fs.String("dir", "", "directory containing the RDB snapshot")
	dbfilename := fs.String("dbfilename", "", "RDB snapshot file name")
	replicaof := fs.String("replicaof", "", `"<host> <port>" of the master to replicate from`)
	logDir := fs.String("log-dir", "", "directory for the server log file")
	logLevel := fs.String("log-level", "", "debug|info|warn|error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := defaults()
	if *cfgPath != "" {
		overlay, err := loadFile(*cfgPath)
		if err != nil {
			return nil, fmt.Errorf("config: loading %s: %w", *cfgPath, err)
		}
		cfg.merge(overlay)
	}

	if *port != 0 {
		cfg.Port = *port
	}
	if *dir != "" {
		cfg.Dir = *dir
	}
	if *dbfilename != "" {
		cfg.DBFilename = *dbfilename
	}
	if *replicaof != "" {
		cfg.ReplicaOf = *replicaof
	}
	if *logDir != "" {
		cfg.LogDir = *logDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string) (Config, error) {
	var overlay Config
	data, err := os.ReadFile(path)
	if err != nil {
		return overlay, err
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return overlay, fmt.Errorf("parsing yaml: %w", err)
	}
	return overlay, nil
}

// merge copies every non-zero field of overlay into c.
func (c *Config) merge(overlay Config) {
	if overlay.Port != 0 {
		c.Port = overlay.Port
	}
	if overlay.Dir != "" {
		c.Dir = overlay.Dir
	}
	if overlay.DBFilename != "" {
		c.DBFilename = overlay.DBFilename
	}
	if overlay.ReplicaOf != "" {
		c.ReplicaOf = overlay.ReplicaOf
	}
	if overlay.LogDir != "" {
		c.LogDir = overlay.LogDir
	}
	if overlay.LogLevel != "" {
		c.LogLevel = overlay.LogLevel
	}
}

// Validate checks field consistency and, when ReplicaOf is set, splits it
// into MasterHost/MasterPort.
func (c *Config) Validate() error {
	var errs []string

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Sprintf("port %d out of range", c.Port))
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log-level %q not one of debug|info|warn|error", c.LogLevel))
	}

	if c.ReplicaOf != "" {
		parts := strings.Fields(c.ReplicaOf)
		if len(parts) != 2 {
			errs = append(errs, fmt.Sprintf("replicaof %q must be \"<host> <port>\"", c.ReplicaOf))
		} else {
			p, err := strconv.Atoi(parts[1])
			if err != nil || p <= 0 || p > 65535 {
				errs = append(errs, fmt.Sprintf("replicaof port %q invalid", parts[1]))
			} else {
				c.MasterHost = parts[0]
				c.MasterPort = p
			}
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// IsReplica reports whether the server should start in replica role.
func (c *Config) IsReplica() bool {
	return c.ReplicaOf != ""
}
