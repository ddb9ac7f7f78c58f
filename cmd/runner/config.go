package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config describes one QEMU boot target for the runner: the kernel image to
// load, the machine shape to emulate it under and whether the operator
// wants an interactive serial console attached.
type Config struct {
	Name string `yaml:"name"`

	KernelImage string `yaml:"kernelImage"`
	CPUs        int    `yaml:"cpus,omitempty"`
	MemoryMB    uint64 `yaml:"memoryMB,omitempty"`

	// Serial, when true, attaches the host terminal (raw mode) to the
	// emulated machine's serial port instead of letting QEMU own the
	// controlling terminal.
	Serial bool `yaml:"serial,omitempty"`

	ExtraArgs []string `yaml:"extraArgs,omitempty"`
}

func (c *Config) normalize() {
	if c.CPUs == 0 {
		c.CPUs = 1
	}
	if c.MemoryMB == 0 {
		c.MemoryMB = 128
	}
}

// LoadConfig reads a runner config file and fills in the default CPU count
// and memory size where they are unset. No other field is checked.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	cfg.normalize()

	return &cfg, nil
}
