// Package config handles clearwing.toml project configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents a clearwing.toml translation configuration.
type Config struct {
	Project Project `toml:"project"`
	Input   Input   `toml:"input"`
	Runtime Runtime `toml:"runtime"`
	Output  Output  `toml:"output"`

	// Dir is the directory containing the clearwing.toml file (set at load
	// time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Input configures the class-file inputs.
type Input struct {
	// Roots are directories or jar archives scanned for class files.
	Roots []string `toml:"roots"`
	// Entry lists the entry classes in internal slashed form.
	Entry []string `toml:"entry"`
}

// Runtime configures the targeted runtime ABI.
type Runtime struct {
	// ABI selects the unwind bridge: "sjlj" (default) or "native".
	ABI string `toml:"abi"`
	// Provided lists class names the runtime core library supplies, which
	// reachability skips instead of failing on.
	Provided []string `toml:"provided"`
}

// Output configures emission.
type Output struct {
	Dir string `toml:"dir"`
	// KeepUnreachable disables dead-code elision.
	KeepUnreachable bool `toml:"keep-unreachable"`
	// Assertions enables runtime checks in emitted code.
	Assertions bool `toml:"assertions"`
	// SymbolDB writes the SQLite symbol index next to the manifest.
	SymbolDB bool `toml:"symbol-db"`
}

// defaultProvided is the baseline core-library set every runtime build
// ships. A config's provided list extends it.
var defaultProvided = []string{
	"java/lang/String",
	"java/lang/Class",
	"java/lang/Throwable",
	"java/lang/System",
	"java/lang/Thread",
	"java/lang/StringBuilder",
	"java/lang/Math",
}

// Load parses a clearwing.toml file from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, "clearwing.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	c.applyDefaults()
	return &c, nil
}

// FindAndLoad walks up from startDir to find a clearwing.toml file, then
// loads and returns the config. Returns nil if no config file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "clearwing.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Default returns the configuration used when no clearwing.toml exists;
// everything meaningful then comes from flags.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Runtime.ABI == "" {
		c.Runtime.ABI = "sjlj"
	}
	if c.Output.Dir == "" {
		c.Output.Dir = "clearwing-out"
	}
	c.Runtime.Provided = append(append([]string{}, defaultProvided...), c.Runtime.Provided...)
}

// InputRootPaths returns absolute paths for the configured input roots.
func (c *Config) InputRootPaths() []string {
	var paths []string
	for _, r := range c.Input.Roots {
		if filepath.IsAbs(r) || c.Dir == "" {
			paths = append(paths, r)
		} else {
			paths = append(paths, filepath.Join(c.Dir, r))
		}
	}
	return paths
}
