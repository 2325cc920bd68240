// Package config manages picolink's persisted settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/picolink/picolink-core/paths"
)

// DefaultBaudRate is used when a device entry does not specify one.
const DefaultBaudRate = 115200

// Device describes a known board.
type Device struct {
	ID       string `json:"id"`                  // serial device path, e.g. "COM3" or "/dev/ttyUSB0"
	Name     string `json:"name,omitempty"`      // user-facing label
	BaudRate int    `json:"baud_rate,omitempty"` // defaults to DefaultBaudRate
}

// Config holds the application configuration
type Config struct {
	HelperPath    string   `json:"helper_path,omitempty"`    // path to the mpy-wrapper helper executable
	Devices       []Device `json:"devices"`                  // known boards
	DefaultDevice string   `json:"default_device,omitempty"` // device selected on startup

	// Project sync defaults, overridable per project by picolink.yaml
	SyncFileTypes []string `json:"sync_file_types,omitempty"` // extensions to upload (empty = all)
	SyncIgnore    []string `json:"sync_ignore,omitempty"`     // ignore patterns (gitignore style)

	Debug bool `json:"debug,omitempty"` // enable debug logging

	mu       sync.RWMutex
	filePath string
}

// Load reads the config from disk, or creates a new one if it doesn't exist
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config from the given path, or creates a new one if it
// doesn't exist. Exposed for tests.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{
		Devices:  []Device{},
		filePath: path,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	// Ensure slices are initialized (not nil) after unmarshaling
	if cfg.Devices == nil {
		cfg.Devices = []Device{}
	}
	cfg.filePath = path

	return cfg, nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	c.mu.RLock()
	data, err := json.MarshalIndent(c, "", "  ")
	path := c.filePath
	c.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// GetDevice returns the device entry with the given ID, or nil.
func (c *Config) GetDevice(id string) *Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.Devices {
		if c.Devices[i].ID == id {
			d := c.Devices[i]
			return &d
		}
	}
	return nil
}

// AddDevice registers a device if not already known. Returns true if added.
func (c *Config) AddDevice(d Device) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.Devices {
		if c.Devices[i].ID == d.ID {
			return false
		}
	}
	c.Devices = append(c.Devices, d)
	return true
}

// RemoveDevice drops a device entry. Returns true if it existed.
func (c *Config) RemoveDevice(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.Devices {
		if c.Devices[i].ID == id {
			c.Devices = append(c.Devices[:i], c.Devices[i+1:]...)
			if c.DefaultDevice == id {
				c.DefaultDevice = ""
			}
			return true
		}
	}
	return false
}

// BaudRateFor returns the configured baud rate for the device, or the default.
func (c *Config) BaudRateFor(id string) int {
	if d := c.GetDevice(id); d != nil && d.BaudRate > 0 {
		return d.BaudRate
	}
	return DefaultBaudRate
}

// SetDefaultDevice records the device selected on startup.
func (c *Config) SetDefaultDevice(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DefaultDevice = id
}

// GetDefaultDevice returns the device selected on startup.
func (c *Config) GetDefaultDevice() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DefaultDevice
}

// GetHelperPath returns the configured helper executable path.
func (c *Config) GetHelperPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.HelperPath
}

// GetSyncRules returns the project sync allow-list and ignore patterns.
func (c *Config) GetSyncRules() (fileTypes, ignore []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fileTypes = append(fileTypes, c.SyncFileTypes...)
	ignore = append(ignore, c.SyncIgnore...)
	return fileTypes, ignore
}
