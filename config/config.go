// Package config reads board descriptions and kernel boot arguments.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/shlex"
	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"

	"github.com/kcore-os/kcore/cpu"
	"github.com/kcore-os/kcore/klog"
	"github.com/kcore-os/kcore/mmu"
	"github.com/kcore-os/kcore/trap"
)

var (
	ErrBadCores     = errors.New("config: unsupported core count")
	ErrBadTimeslice = errors.New("config: timeslice must be positive")
	ErrBadMemory    = errors.New("config: invalid memory size")
	ErrBadBootArg   = errors.New("config: invalid boot argument")
)

// Board is the YAML description of a board.
type Board struct {
	Name string `yaml:"name"`

	// Cores that run tasks, at most cpu.NumCores.
	Cores int `yaml:"cores"`

	// Timeslice is the watchdog deadline in executed instructions.
	Timeslice int `yaml:"timeslice"`

	// SRAM available to apps, as "128KB" style sizes.
	CodeMemory string `yaml:"code-memory"`
	DataMemory string `yaml:"data-memory"`

	FaultPolicy string `yaml:"fault-policy"`
	LogLevel    string `yaml:"log-level"`
	BootArgs    string `yaml:"bootargs"`
}

// Default is the board used when no board file is given: the full dual
// core chip.
func Default() Board {
	return Board{
		Name:        "esp32",
		Cores:       cpu.NumCores,
		Timeslice:   1000,
		CodeMemory:  "128KB",
		DataMemory:  "128KB",
		FaultPolicy: "halt",
		LogLevel:    "info",
	}
}

// Config is a board with every field parsed.
type Config struct {
	Board     Board
	CodePages int
	DataPages int
	Policy    trap.FaultPolicy
	Level     klog.MaskLevel
	Args      BootArgs
}

// Load reads a board file. Fields missing from the file keep their
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse parses a YAML board description.
func Parse(data []byte) (*Config, error) {
	b := Default()
	if err := yaml.UnmarshalStrict(data, &b); err != nil {
		return nil, err
	}
	return b.Resolve()
}

// Resolve validates the board and parses its fields. Boot arguments
// override the board's log level and fault policy.
func (b Board) Resolve() (*Config, error) {
	c := &Config{Board: b}
	if b.Cores < 1 || b.Cores > cpu.NumCores {
		return nil, fmt.Errorf("%w: %d", ErrBadCores, b.Cores)
	}
	if b.Timeslice <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadTimeslice, b.Timeslice)
	}
	var err error
	if c.CodePages, err = pages(b.CodeMemory); err != nil {
		return nil, err
	}
	if c.DataPages, err = pages(b.DataMemory); err != nil {
		return nil, err
	}
	if c.Args, err = ParseBootArgs(b.BootArgs); err != nil {
		return nil, err
	}

	policy, level := b.FaultPolicy, b.LogLevel
	if v, ok := c.Args.Vars["faults"]; ok {
		policy = v
	}
	if v, ok := c.Args.Vars["loglevel"]; ok {
		level = v
	}
	if c.Policy, err = trap.ParseFaultPolicy(policy); err != nil {
		return nil, err
	}
	if c.Level, err = klog.ParseLevel(level); err != nil {
		return nil, err
	}
	return c, nil
}

// pages converts a memory size into whole pages of a region.
func pages(size string) (int, error) {
	b, err := bytesize.Parse(size)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrBadMemory, size, err)
	}
	n := int(b) / mmu.PageSize
	if n < 1 || n > mmu.PagesPerRegion {
		return 0, fmt.Errorf("%w: %s is %d pages, want 1 to %d",
			ErrBadMemory, b, n, mmu.PagesPerRegion)
	}
	return n, nil
}

// BootArgs is the parsed kernel command line.
type BootArgs struct {
	// Init lists the apps to start, in order.
	Init []string

	// Vars holds every other key=value argument. Bare words map to "".
	Vars map[string]string
}

// ParseBootArgs splits a kernel command line with shell quoting rules.
func ParseBootArgs(s string) (BootArgs, error) {
	args := BootArgs{Vars: make(map[string]string)}
	words, err := shlex.Split(s)
	if err != nil {
		return args, fmt.Errorf("%w: %v", ErrBadBootArg, err)
	}
	for _, w := range words {
		key, value, _ := strings.Cut(w, "=")
		if key == "" {
			return args, fmt.Errorf("%w: %q", ErrBadBootArg, w)
		}
		if key == "init" {
			if value == "" {
				return args, fmt.Errorf("%w: empty init", ErrBadBootArg)
			}
			args.Init = append(args.Init, value)
			continue
		}
		args.Vars[key] = value
	}
	return args, nil
}
