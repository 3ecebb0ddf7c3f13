package surfelrec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config gathers everything needed to build a model and its fusion step.
type Config struct {
	Capacity      int                     `yaml:"capacity"`
	Index         IndexKind               `yaml:"index"`
	IndexCellSize float32                 `yaml:"index_cell_size"`
	Builder       SurfelBuilderParameters `yaml:"builder"`
	Fusion        SurfelFusionParameters  `yaml:"fusion"`
}

func DefaultConfig() Config {
	return Config{
		Capacity:      1 << 20,
		Index:         IndexGrid,
		IndexCellSize: DefaultIndexCellSize,
		Builder:       DefaultSurfelBuilderParameters(),
		Fusion:        DefaultSurfelFusionParameters(),
	}
}

func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return invalidArgument("capacity must be positive, got %d", c.Capacity)
	}
	switch c.Index {
	case IndexGrid:
		if !(c.IndexCellSize > 0) {
			return invalidArgument("index_cell_size must be positive, got %v", c.IndexCellSize)
		}
	case IndexKDTree:
	default:
		return invalidArgument("unknown index %q", c.Index)
	}
	if err := c.Builder.Validate(); err != nil {
		return fmt.Errorf("builder: %w", err)
	}
	if err := c.Fusion.Validate(); err != nil {
		return fmt.Errorf("fusion: %w", err)
	}
	return nil
}

const maxConfigFileSize = 1 << 20

// LoadConfig reads a YAML config file. Fields omitted from the file keep
// their DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yaml" && ext != ".yml" {
		return Config{}, fmt.Errorf("config file must have .yaml or .yml extension, got %q", ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return Config{}, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML over DefaultConfig and validates the result.
// Unknown keys are rejected.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: failed to parse config YAML: %v", ErrInvalidArgument, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// NewIndex builds the configured spatial index.
func (c Config) NewIndex() (SpatialIndex, error) {
	return NewSpatialIndex(c.Index, c.IndexCellSize)
}

// NewModel builds an empty model with the configured capacity and index.
func (c Config) NewModel(opts ...ModelOption) (*SurfelModel, error) {
	index, err := c.NewIndex()
	if err != nil {
		return nil, err
	}
	return NewSurfelModel(c.Capacity, append([]ModelOption{WithIndex(index)}, opts...)...)
}
