// Package config loads the run configuration from JSON or YAML.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"archipelago/internal/dataset"
	"archipelago/internal/evo"
)

var ErrInvalid = errors.New("invalid configuration")

var validate = validator.New()

type Config struct {
	Infile string `json:"infile" yaml:"infile" validate:"required"`
	// InfileExtension is appended to Infile after a dot. An explicit empty
	// extension uses Infile as the whole path.
	InfileExtension string `json:"infileExtension" yaml:"infileExtension"`

	InVars      []string             `json:"inVars" yaml:"inVars" validate:"required,min=1,dive,required"`
	TargetVar   string               `json:"targetVar" yaml:"targetVar" validate:"required"`
	Filters     []dataset.FilterSpec `json:"filters,omitempty" yaml:"filters,omitempty"`
	Primitives  []string             `json:"primitives" yaml:"primitives" validate:"required,min=1"`
	Constants   []ConstantSpec       `json:"constants,omitempty" yaml:"constants,omitempty" validate:"dive"`
	ErrorFunc   string               `json:"errorfunc" yaml:"errorfunc" validate:"required"`
	HOF         ArchiveSpec          `json:"hof" yaml:"hof"`
	Expr        ExprSpec             `json:"expr" yaml:"expr"`
	Selection   evo.SelectionSpec    `json:"selection" yaml:"selection"`
	Mutator     evo.MutatorSpec      `json:"mutator" yaml:"mutator"`
	DepthLimit  int                  `json:"depthLimit" yaml:"depthLimit" validate:"gte=1"`
	Seed        uint64               `json:"seed" yaml:"seed"`
	Workers     int                  `json:"workers" yaml:"workers" validate:"gte=1"`
	Algo        AlgoConfig           `json:"algo" yaml:"algo"`
	Islands     IslandsConfig        `json:"islands" yaml:"islands"`
	Checkpoints CheckpointsConfig    `json:"checkpoints" yaml:"checkpoints"`
	Transport   TransportConfig      `json:"transport" yaml:"transport"`
	LogFilename string               `json:"logFilename,omitempty" yaml:"logFilename,omitempty"`
	PrettyPrint bool                 `json:"prettyPrint" yaml:"prettyPrint"`
}

// ConstantSpec registers a fixed constant or an ephemeral constant drawn
// uniformly from [Min, Max] when a terminal is generated.
type ConstantSpec struct {
	Type  string  `json:"type" yaml:"type" validate:"required,oneof=constant ephemeral"`
	Name  string  `json:"name" yaml:"name" validate:"required"`
	Value float64 `json:"value,omitempty" yaml:"value,omitempty"`
	Min   float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max   float64 `json:"max,omitempty" yaml:"max,omitempty"`
}

type ArchiveSpec struct {
	Type string `json:"type" yaml:"type"`
	Size int    `json:"size,omitempty" yaml:"size,omitempty" validate:"gte=0"`
}

type ExprSpec struct {
	Type string `json:"type" yaml:"type"`
	Min  int    `json:"min" yaml:"min" validate:"gte=0"`
	Max  int    `json:"max" yaml:"max" validate:"gtefield=Min"`
}

type AlgoConfig struct {
	Type                  string  `json:"type" yaml:"type" validate:"oneof=eaSimple eaMuPlusLambda eaMuCommaLambda"`
	InitialPopulationSize int     `json:"initialPopulationSize" yaml:"initialPopulationSize" validate:"gte=1"`
	NumGenerations        int     `json:"numGenerations" yaml:"numGenerations" validate:"gte=0"`
	StopFrequency         int     `json:"stopFrequency" yaml:"stopFrequency" validate:"gte=1"`
	CXPB                  float64 `json:"cxpb" yaml:"cxpb" validate:"gte=0,lte=1"`
	MUTPB                 float64 `json:"mutpb" yaml:"mutpb" validate:"gte=0,lte=1"`
	Mu                    int     `json:"mu,omitempty" yaml:"mu,omitempty" validate:"gte=0"`
	Lambda                int     `json:"lambda,omitempty" yaml:"lambda,omitempty" validate:"gte=0"`
	// ExactBlockParity advances a full block even when fewer generations
	// remain, matching runs recorded before the final block was clamped.
	ExactBlockParity bool `json:"exactBlockParity,omitempty" yaml:"exactBlockParity,omitempty"`
}

type IslandsConfig struct {
	// NumIslands, when non-zero, must equal the size of the process group.
	NumIslands        int                `json:"numIslands,omitempty" yaml:"numIslands,omitempty" validate:"gte=0"`
	MigrationFreq     int                `json:"migrationFreq" yaml:"migrationFreq" validate:"gte=0"`
	NumMigrants       int                `json:"numMigrants" yaml:"numMigrants" validate:"gte=0"`
	EmigrantSelect    evo.SelectionSpec  `json:"emigrantSelect" yaml:"emigrantSelect"`
	ReplacementSelect *evo.SelectionSpec `json:"replacementSelect,omitempty" yaml:"replacementSelect,omitempty"`
}

type CheckpointsConfig struct {
	Backend      string `json:"backend,omitempty" yaml:"backend,omitempty" validate:"omitempty,oneof=file memory sqlite badger"`
	FilenameBase string `json:"filenamebase,omitempty" yaml:"filenamebase,omitempty"`
	Frequency    int    `json:"frequency" yaml:"frequency" validate:"gte=0"`
}

// Enabled reports whether checkpoints are written at all.
func (c CheckpointsConfig) Enabled() bool {
	return c.FilenameBase != "" && c.Frequency > 0
}

type TransportConfig struct {
	SendTimeoutMs int `json:"sendTimeoutMs,omitempty" yaml:"sendTimeoutMs,omitempty" validate:"gte=0"`
	MaxAttempts   int `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty" validate:"gte=0"`
}

func (t TransportConfig) SendTimeout() time.Duration {
	return time.Duration(t.SendTimeoutMs) * time.Millisecond
}

// InputPath is the data file LoadData reads. The reader is picked by its
// extension.
func (c Config) InputPath() string {
	if c.InfileExtension == "" {
		return c.Infile
	}
	return c.Infile + "." + c.InfileExtension
}

func Default() Config {
	return Config{
		InfileExtension: "in",

		ErrorFunc:  "avgAbsErrorSquared",
		HOF:        ArchiveSpec{Type: "hallOfFame", Size: 10},
		Expr:       ExprSpec{Type: "halfAndHalf", Min: 1, Max: 3},
		Selection:  evo.SelectionSpec{Type: "tournament", TournSize: 3},
		Mutator:    evo.MutatorSpec{Type: "mutUniform"},
		DepthLimit: 17,
		Workers:    1,
		Algo: AlgoConfig{
			Type:                  "eaSimple",
			InitialPopulationSize: 300,
			NumGenerations:        100,
			StopFrequency:         10,
			CXPB:                  0.5,
			MUTPB:                 0.1,
		},
		Islands: IslandsConfig{
			MigrationFreq:  20,
			NumMigrants:    5,
			EmigrantSelect: evo.SelectionSpec{Type: "best"},
		},
		Checkpoints: CheckpointsConfig{Backend: "file"},
		PrettyPrint: true,
	}
}

// Load reads path over the defaults and validates the result. Files ending
// in .yaml or .yml are YAML; anything else is JSON.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Islands.NumMigrants > c.Algo.InitialPopulationSize {
		return fmt.Errorf("%w: numMigrants %d exceeds initialPopulationSize %d",
			ErrInvalid, c.Islands.NumMigrants, c.Algo.InitialPopulationSize)
	}
	for _, name := range c.InVars {
		if name == c.TargetVar {
			return fmt.Errorf("%w: targetVar %q is also an input variable", ErrInvalid, name)
		}
	}
	for _, k := range c.Constants {
		if k.Type == "ephemeral" && k.Max < k.Min {
			return fmt.Errorf("%w: ephemeral %s has max %g < min %g", ErrInvalid, k.Name, k.Max, k.Min)
		}
	}
	if c.Algo.Type != "eaSimple" {
		if c.Algo.Mu <= 0 || c.Algo.Lambda <= 0 {
			return fmt.Errorf("%w: %s requires mu and lambda > 0", ErrInvalid, c.Algo.Type)
		}
	}
	return nil
}
