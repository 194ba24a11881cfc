// Package config loads the usimatch configuration file.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"usimatch/pkg/match"
	"usimatch/pkg/usi"
)

// Names are the file names FindConfigPath looks for, in order.
var Names = []string{"config.json", "config.yaml", "config.yml"}

// Engine is an engine binary and the options sent during its handshake.
type Engine struct {
	Path    string            `json:"path" yaml:"path"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Options map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// Side configures one match participant.
type Side struct {
	Role      string `json:"role" yaml:"role"`
	Engine    string `json:"engine,omitempty" yaml:"engine,omitempty"`
	MainMs    int64  `json:"main_ms" yaml:"main_ms"`
	ByoyomiMs int64  `json:"byoyomi_ms" yaml:"byoyomi_ms"`
	Depth     int    `json:"depth,omitempty" yaml:"depth,omitempty"`
	Nodes     int64  `json:"nodes,omitempty" yaml:"nodes,omitempty"`
}

type Analysis struct {
	Engine       string `json:"engine" yaml:"engine"`
	Workers      int    `json:"workers" yaml:"workers"`
	TimeBudgetMs int64  `json:"time_budget_ms" yaml:"time_budget_ms"`
	DepthLimit   int    `json:"depth_limit" yaml:"depth_limit"`
	Output       string `json:"output" yaml:"output"`
}

type Config struct {
	Engines           map[string]Engine `json:"engines" yaml:"engines"`
	Sente             Side              `json:"sente" yaml:"sente"`
	Gote              Side              `json:"gote" yaml:"gote"`
	Analysis          Analysis          `json:"analysis" yaml:"analysis"`
	MaxErrors         int               `json:"max_errors,omitempty" yaml:"max_errors,omitempty"`
	TickMs            int64             `json:"tick_ms,omitempty" yaml:"tick_ms,omitempty"`
	DefaultMoveTimeMs int64             `json:"default_move_time_ms,omitempty" yaml:"default_move_time_ms,omitempty"`
	LogLevel          string            `json:"log_level,omitempty" yaml:"log_level,omitempty"`

	// Dir is the directory the file was read from. Relative engine paths
	// are resolved against it.
	Dir string `json:"-" yaml:"-"`
}

// FindConfigPath walks up from the working directory and returns the first
// config file found and its directory.
func FindConfigPath() (string, string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", "", err
	}
	return FindConfigPathFrom(cwd)
}

func FindConfigPathFrom(start string) (string, string, error) {
	dir := start
	for {
		for _, name := range Names {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", "", fmt.Errorf("%s not found from %s", strings.Join(Names, ", "), start)
}

// LoadConfig reads path as JSON or, for .yaml and .yml, YAML. Unknown
// fields are rejected in both.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Config{}, err
	}
	cfg.Dir = filepath.Dir(abs)
	cfg.applyDefaults()
	return cfg, nil
}

// Resolve loads the file named by arg, or finds one when arg is empty.
func Resolve(arg string) (Config, error) {
	path := arg
	if path == "" {
		found, _, err := FindConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = found
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Analysis.Workers <= 0 {
		c.Analysis.Workers = 1
	}
	if c.Analysis.Output == "" {
		c.Analysis.Output = "analysis.parquet"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	ids := make([]string, 0, len(c.Engines))
	for id := range c.Engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if c.Engines[id].Path == "" {
			errs = append(errs, fmt.Errorf("engine %q: path is required", id))
		}
	}
	sides := []struct {
		name string
		side Side
	}{{"sente", c.Sente}, {"gote", c.Gote}}
	for _, entry := range sides {
		name, side := entry.name, entry.side
		role, err := match.ParseRole(side.Role)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if role == match.RoleEngine {
			if side.Engine == "" {
				errs = append(errs, fmt.Errorf("%s: engine role requires an engine", name))
			} else if _, ok := c.Engines[side.Engine]; !ok {
				errs = append(errs, fmt.Errorf("%s: unknown engine %q", name, side.Engine))
			}
		}
		if side.MainMs < 0 || side.ByoyomiMs < 0 {
			errs = append(errs, fmt.Errorf("%s: negative time", name))
		}
		if side.Depth < 0 || side.Nodes < 0 {
			errs = append(errs, fmt.Errorf("%s: negative search limit", name))
		}
	}
	if c.Analysis.Engine != "" {
		if _, ok := c.Engines[c.Analysis.Engine]; !ok {
			errs = append(errs, fmt.Errorf("analysis: unknown engine %q", c.Analysis.Engine))
		}
	}
	if c.Analysis.TimeBudgetMs < 0 || c.Analysis.DepthLimit < 0 {
		errs = append(errs, errors.New("analysis: negative search limit"))
	}
	if c.MaxErrors < 0 || c.TickMs < 0 || c.DefaultMoveTimeMs < 0 {
		errs = append(errs, errors.New("max_errors, tick_ms and default_move_time_ms must not be negative"))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	return errors.Join(errs...)
}

// EnginePath returns the absolute path of engine id.
func (c Config) EnginePath(id string) (string, error) {
	engine, ok := c.Engines[id]
	if !ok {
		return "", fmt.Errorf("unknown engine %q", id)
	}
	if engine.Path == "" {
		return "", fmt.Errorf("engine %q: path is required", id)
	}
	if filepath.IsAbs(engine.Path) {
		return engine.Path, nil
	}
	return filepath.Join(c.Dir, engine.Path), nil
}

// Launch returns what usi.Launch needs to start engine id.
func (c Config) Launch(id string, log zerolog.Logger) (usi.LaunchConfig, error) {
	path, err := c.EnginePath(id)
	if err != nil {
		return usi.LaunchConfig{}, err
	}
	engine := c.Engines[id]
	return usi.LaunchConfig{
		Path:    path,
		Args:    engine.Args,
		Options: engine.Options,
		Logger:  log.With().Str("engine", id).Logger(),
	}, nil
}

// MatchConfig converts the side and timing settings.
func (c Config) MatchConfig() (match.Config, error) {
	var cfg match.Config
	for side, s := range map[match.Side]Side{match.Sente: c.Sente, match.Gote: c.Gote} {
		role, err := match.ParseRole(s.Role)
		if err != nil {
			return match.Config{}, fmt.Errorf("%s: %w", side, err)
		}
		cfg.Sides[side] = match.SideSetting{Role: role, EngineID: s.Engine, Depth: s.Depth, Nodes: s.Nodes}
		cfg.Clocks[side] = match.TimeControl{MainMs: s.MainMs, ByoyomiMs: s.ByoyomiMs}
	}
	cfg.MaxErrors = c.MaxErrors
	cfg.TickInterval = time.Duration(c.TickMs) * time.Millisecond
	cfg.DefaultMoveTime = time.Duration(c.DefaultMoveTimeMs) * time.Millisecond
	return cfg, nil
}
