package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the canonical conflation defaults file.
const DefaultConfigPath = "config/conflation.defaults.json"

// ConflationConfig holds the tunables of a conflation run. Every field is
// optional; the Get* methods supply the default for a nil field, so partial
// files are safe.
type ConflationConfig struct {
	// Vicinity
	BufferKm *float64 `json:"buffer_km,omitempty" yaml:"buffer_km,omitempty"`

	// Chain search
	Candidates    *int     `json:"candidates,omitempty" yaml:"candidates,omitempty"`
	ClipRadiusKm  *float64 `json:"clip_radius_km,omitempty" yaml:"clip_radius_km,omitempty"`
	DistanceCapKm *float64 `json:"distance_cap_km,omitempty" yaml:"distance_cap_km,omitempty"`
	EndAreaKm     *float64 `json:"end_area_km,omitempty" yaml:"end_area_km,omitempty"`
	WindowKm      *float64 `json:"window_km,omitempty" yaml:"window_km,omitempty"`
	// MaxChainScore above which a chain is considered unreliable and the
	// axiomatic chooser is used instead.
	MaxChainScore *float64 `json:"max_chain_score,omitempty" yaml:"max_chain_score,omitempty"`

	// Axiomatic chooser
	MinLengthKm           *float64 `json:"min_length_km,omitempty" yaml:"min_length_km,omitempty"`
	MinLengthFloorKm      *float64 `json:"min_length_floor_km,omitempty" yaml:"min_length_floor_km,omitempty"`
	RatioDeviation        *float64 `json:"ratio_deviation,omitempty" yaml:"ratio_deviation,omitempty"`
	RatioDeviationCeiling *float64 `json:"ratio_deviation_ceiling,omitempty" yaml:"ratio_deviation_ceiling,omitempty"`
	GapKm                 *float64 `json:"gap_km,omitempty" yaml:"gap_km,omitempty"`
	GapCeilingKm          *float64 `json:"gap_ceiling_km,omitempty" yaml:"gap_ceiling_km,omitempty"`

	// Dispute resolution
	ResidueKm *float64 `json:"residue_km,omitempty" yaml:"residue_km,omitempty"`

	// Raw matcher
	MatchToleranceKm *float64 `json:"match_tolerance_km,omitempty" yaml:"match_tolerance_km,omitempty"`

	// Pipeline
	Workers    *int    `json:"workers,omitempty" yaml:"workers,omitempty"`
	StaleAfter *string `json:"stale_after,omitempty" yaml:"stale_after,omitempty"` // duration string like "2m"
	LogLevel   *string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }
func ptrString(v string) *string    { return &v }

// EmptyConfig returns a config with every field unset.
func EmptyConfig() *ConflationConfig {
	return &ConflationConfig{}
}

// LoadConfig reads a config from a .json, .yaml or .yml file and validates it.
func LoadConfig(path string) (*ConflationConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", cleanPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the working directory or
// a parent of it. Panics if the file cannot be loaded, intended for test
// setup.
func MustLoadDefaultConfig() *ConflationConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the values that are set.
func (c *ConflationConfig) Validate() error {
	positive := []struct {
		name string
		v    *float64
	}{
		{"buffer_km", c.BufferKm},
		{"clip_radius_km", c.ClipRadiusKm},
		{"distance_cap_km", c.DistanceCapKm},
		{"end_area_km", c.EndAreaKm},
		{"window_km", c.WindowKm},
		{"max_chain_score", c.MaxChainScore},
		{"min_length_km", c.MinLengthKm},
		{"min_length_floor_km", c.MinLengthFloorKm},
		{"ratio_deviation", c.RatioDeviation},
		{"ratio_deviation_ceiling", c.RatioDeviationCeiling},
		{"gap_km", c.GapKm},
		{"gap_ceiling_km", c.GapCeilingKm},
		{"residue_km", c.ResidueKm},
		{"match_tolerance_km", c.MatchToleranceKm},
	}
	for _, p := range positive {
		if p.v != nil && *p.v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", p.name, *p.v)
		}
	}

	if c.Candidates != nil && *c.Candidates < 1 {
		return fmt.Errorf("candidates must be at least 1, got %d", *c.Candidates)
	}
	if c.Workers != nil && *c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", *c.Workers)
	}

	if c.GetMinLengthFloorKm() > c.GetMinLengthKm() {
		return fmt.Errorf("min_length_floor_km (%f) exceeds min_length_km (%f)", c.GetMinLengthFloorKm(), c.GetMinLengthKm())
	}
	if c.GetRatioDeviationCeiling() < c.GetRatioDeviation() {
		return fmt.Errorf("ratio_deviation_ceiling (%f) is below ratio_deviation (%f)", c.GetRatioDeviationCeiling(), c.GetRatioDeviation())
	}
	if c.GetGapCeilingKm() < c.GetGapKm() {
		return fmt.Errorf("gap_ceiling_km (%f) is below gap_km (%f)", c.GetGapCeilingKm(), c.GetGapKm())
	}

	if c.StaleAfter != nil && *c.StaleAfter != "" {
		if _, err := time.ParseDuration(*c.StaleAfter); err != nil {
			return fmt.Errorf("invalid stale_after '%s': %w", *c.StaleAfter, err)
		}
	}
	if c.LogLevel != nil {
		switch *c.LogLevel {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("log_level must be one of debug, info, warn, error; got %q", *c.LogLevel)
		}
	}
	return nil
}

func getFloat(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func (c *ConflationConfig) GetBufferKm() float64      { return getFloat(c.BufferKm, 0.05) }
func (c *ConflationConfig) GetClipRadiusKm() float64  { return getFloat(c.ClipRadiusKm, 0.2) }
func (c *ConflationConfig) GetDistanceCapKm() float64 { return getFloat(c.DistanceCapKm, 0.4) }
func (c *ConflationConfig) GetEndAreaKm() float64     { return getFloat(c.EndAreaKm, 0.1) }
func (c *ConflationConfig) GetWindowKm() float64      { return getFloat(c.WindowKm, 0.5) }
func (c *ConflationConfig) GetMaxChainScore() float64 { return getFloat(c.MaxChainScore, 0.01) }

func (c *ConflationConfig) GetCandidates() int {
	if c.Candidates == nil {
		return 10
	}
	return *c.Candidates
}

func (c *ConflationConfig) GetMinLengthKm() float64      { return getFloat(c.MinLengthKm, 0.1) }
func (c *ConflationConfig) GetMinLengthFloorKm() float64 { return getFloat(c.MinLengthFloorKm, 0.005) }
func (c *ConflationConfig) GetRatioDeviation() float64   { return getFloat(c.RatioDeviation, 0.005) }
func (c *ConflationConfig) GetRatioDeviationCeiling() float64 {
	return getFloat(c.RatioDeviationCeiling, 0.25)
}
func (c *ConflationConfig) GetGapKm() float64        { return getFloat(c.GapKm, 0.0005) }
func (c *ConflationConfig) GetGapCeilingKm() float64 { return getFloat(c.GapCeilingKm, 0.05) }

func (c *ConflationConfig) GetResidueKm() float64        { return getFloat(c.ResidueKm, 0.001) }
func (c *ConflationConfig) GetMatchToleranceKm() float64 { return getFloat(c.MatchToleranceKm, 0.02) }

// GetWorkers defaults to twice the CPU count.
func (c *ConflationConfig) GetWorkers() int {
	if c.Workers == nil {
		return 2 * runtime.NumCPU()
	}
	return *c.Workers
}

// GetStaleAfter returns how long a run may go without completing a path
// before the watchdog warns.
func (c *ConflationConfig) GetStaleAfter() time.Duration {
	if c.StaleAfter == nil || *c.StaleAfter == "" {
		return 2 * time.Minute
	}
	d, err := time.ParseDuration(*c.StaleAfter)
	if err != nil {
		return 2 * time.Minute
	}
	return d
}

func (c *ConflationConfig) GetLogLevel() string {
	if c.LogLevel == nil {
		return "info"
	}
	return *c.LogLevel
}
