package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

type TestSource struct {
	Name      string  `json:"name"`      // Friendly name. Defaults to "test<index>"
	Width     int     `json:"width"`     // Default 640
	Height    int     `json:"height"`    // Default 360
	FPS       float64 `json:"fps"`       // Default 10
	MoveEvery int     `json:"moveEvery"` // Move the square every N frames. Default 1
}

// Processors are the stages that are inserted into every new source, by factory name
type Processors struct {
	Preprocessors  []string `json:"preprocessors"`
	Detectors      []string `json:"detectors"`
	Postprocessors []string `json:"postprocessors"`
}

type Config struct {
	Listen          string       `json:"listen"`          // HTTP address, eg ":8080"
	DBPath          string       `json:"dbPath"`          // Event database. Empty means no event database
	ModelPath       string       `json:"modelPath"`       // ONNX model file, or URL. Config is read from the same path with a .json extension
	ModelCacheDir   string       `json:"modelCacheDir"`   // Where downloaded models are stored
	Labels          []string     `json:"labels"`          // Class names. If empty, the model's config is used
	LabelsFile      string       `json:"labelsFile"`      // Text file with one class name per line. Overrides labels
	LabelPrefix     string       `json:"labelPrefix"`     // Prefix of detection labels. Empty means the detector's name
	Workers         int          `json:"workers"`         // Inference threads per detector. Default 4
	MaxInFlight     int          `json:"maxInFlight"`     // Frames pairs in flight per detector before we drop. Default 8
	ChangeThreshold int          `json:"changeThreshold"` // Percentage of pixels that must change for a frame to be analyzed
	Defaults        Processors   `json:"defaults"`        // Inserted into every new source
	SnapshotDir     string       `json:"snapshotDir"`     // Where the composited JPEG is written. Empty to disable
	SnapshotSeconds float64      `json:"snapshotSeconds"` // Interval between snapshots. Default 1
	HistorySize     int          `json:"historySize"`     // Recent detections remembered per source. Default 100
	MaxEvents       int64        `json:"maxEvents"`       // Events kept in the database. Default 100000
	TestSources     []TestSource `json:"testSources"`     // Synthetic sources attached at startup
}

// LoadConfig reads a JSON config file, fills in defaults, and validates the result
func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		filename = "screenguard.json"
	}
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid config %v: %w", filename, err)
	}
	return cfg, nil
}

// Default returns the configuration that is used when there is no config file
func Default() *Config {
	cfg := &Config{
		Defaults: Processors{
			Preprocessors: []string{"changedetector"},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.ModelCacheDir == "" {
		cache, _ := os.UserCacheDir()
		if cache == "" {
			cache = os.TempDir()
		}
		c.ModelCacheDir = filepath.Join(cache, "screenguard", "models")
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = 8
	}
	if c.SnapshotSeconds == 0 {
		c.SnapshotSeconds = 1
	}
	if c.HistorySize == 0 {
		c.HistorySize = 100
	}
	if c.MaxEvents == 0 {
		c.MaxEvents = 100000
	}
	for i := range c.TestSources {
		ts := &c.TestSources[i]
		if ts.Name == "" {
			ts.Name = fmt.Sprintf("test%v", i)
		}
		if ts.Width == 0 {
			ts.Width = 640
		}
		if ts.Height == 0 {
			ts.Height = 360
		}
		if ts.FPS == 0 {
			ts.FPS = 10
		}
		if ts.MoveEvery == 0 {
			ts.MoveEvery = 1
		}
	}
}

func (c *Config) Validate() error {
	if c.Workers < 1 {
		return errors.New("workers must be at least 1")
	}
	if c.MaxInFlight < 1 {
		return errors.New("maxInFlight must be at least 1")
	}
	if c.ChangeThreshold < 0 || c.ChangeThreshold > 100 {
		return fmt.Errorf("changeThreshold must be between 0 and 100, not %v", c.ChangeThreshold)
	}
	if c.SnapshotSeconds < 0 {
		return errors.New("snapshotSeconds may not be negative")
	}
	if len(c.Defaults.Detectors) != 0 && c.ModelPath == "" {
		return errors.New("A default detector needs a modelPath")
	}
	names := map[string]bool{}
	for _, ts := range c.TestSources {
		if ts.Width < 1 || ts.Height < 1 || ts.FPS < 0 {
			return fmt.Errorf("Test source %v has invalid dimensions or fps", ts.Name)
		}
		if names[ts.Name] {
			return fmt.Errorf("Test source name %v is used twice", ts.Name)
		}
		names[ts.Name] = true
	}
	return nil
}
