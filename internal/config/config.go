// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the name of the configuration file inside a repository.
const FileName = "fsx.conf"

const (
	MinCompressionLevel = 1
	MaxCompressionLevel = 22
)

type Config struct {
	Deltification struct {
		EnableDirDeltification   bool  `toml:"enable-dir-deltification"`
		EnablePropsDeltification bool  `toml:"enable-props-deltification"`
		MaxDeltificationWalk     int64 `toml:"max-deltification-walk"`
		MaxLinearDeltification   int64 `toml:"max-linear-deltification"`
		CompressionLevel         int   `toml:"compression-level"`
	} `toml:"deltification"`

	RepSharing struct {
		Enabled bool `toml:"enable-rep-sharing"`
	} `toml:"rep-sharing"`

	IO struct {
		BlockSize int64 `toml:"block-size"`
	} `toml:"io"`

	Caches struct {
		NodeRevs    int `toml:"noderevs"`
		FileHandles int `toml:"file-handles"`
	} `toml:"caches"`

	Logging struct {
		Level string `toml:"level"` // debug, info, warn, error
	} `toml:"logging"`
}

func Default() *Config {
	var c Config
	c.Deltification.EnableDirDeltification = true
	c.Deltification.EnablePropsDeltification = true
	c.Deltification.MaxDeltificationWalk = 1023
	c.Deltification.MaxLinearDeltification = 16
	c.Deltification.CompressionLevel = 3
	c.RepSharing.Enabled = true
	c.IO.BlockSize = 64 * 1024
	c.Caches.NodeRevs = 4096
	c.Caches.FileHandles = 16
	c.Logging.Level = "info"
	return &c
}

// Load reads path on top of the defaults; keys absent from the file keep
// their default values.
func Load(path string) (*Config, error) {
	config := Default()
	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if err := config.normalize(); err != nil {
		return nil, fmt.Errorf("validating %s: %w", path, err)
	}
	return config, nil
}

// LoadDir loads the repository config from dir, falling back to the
// defaults when the file does not exist.
func LoadDir(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

func (c *Config) Write(path string) error {
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if err := toml.NewEncoder(file).Encode(c); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func (c *Config) normalize() error {
	d := &c.Deltification
	if d.MaxDeltificationWalk < 0 || d.MaxLinearDeltification < 0 {
		return fmt.Errorf("deltification limits must not be negative")
	}

	// zstd levels
	if d.CompressionLevel < MinCompressionLevel {
		d.CompressionLevel = MinCompressionLevel
	}
	if d.CompressionLevel > MaxCompressionLevel {
		d.CompressionLevel = MaxCompressionLevel
	}

	if c.IO.BlockSize <= 0 {
		return fmt.Errorf("block-size must be positive")
	}
	if c.Caches.NodeRevs <= 0 {
		c.Caches.NodeRevs = Default().Caches.NodeRevs
	}
	if c.Caches.FileHandles <= 0 {
		c.Caches.FileHandles = Default().Caches.FileHandles
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return nil
}
