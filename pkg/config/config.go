package config

import (
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = "radctl"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Capacity in bytes of the user→control command ring buffer.
	MessageRingSize int `yaml:"message-ring-size"`
	// Capacity in bytes of the control→user event ring buffer.
	EventRingSize int `yaml:"event-ring-size"`

	// Number of hash slots and lock stripes of each cache. Slots should be
	// sized for low collision, stripes to bound lock contention.
	CacheSlots   int `yaml:"cache-slots"`
	CacheStripes int `yaml:"cache-stripes"`
	// CacheNodeBudget is the number of nodes a single stripe may hold before
	// unreferenced nodes start being evicted.
	CacheNodeBudget int `yaml:"cache-node-budget"`
	// MemoryPageSize is the granularity of process memory reads.
	MemoryPageSize uint64 `yaml:"memory-page-size"`

	// MaxUnwindFrames bounds the number of frames produced by a full unwind.
	MaxUnwindFrames int `yaml:"max-unwind-frames"`

	// Number of async workers for memory streaming and call stack building.
	MemoryWorkers    int `yaml:"memory-workers"`
	CallStackWorkers int `yaml:"call-stack-workers"`
	// Capacity in bytes of each async request queue.
	WorkQueueSize int `yaml:"work-queue-size"`

	// ReadTimeout is the default deadline used by cache reads that were not
	// given one by the caller.
	ReadTimeout time.Duration `yaml:"read-timeout"`
	// KillTimeout bounds how long Kill, KillAll and Detach wait for the
	// target to report its exit.
	KillTimeout time.Duration `yaml:"kill-timeout"`

	// EntryPoints lists the symbol names tried when a run asks to stop at
	// the program's entry point.
	EntryPoints []string `yaml:"entry-points"`

	// BreakOnExceptions lists exception code kinds that stop the target on
	// first chance, by name (see protocol.ExceptionCodeKind).
	BreakOnExceptions []string `yaml:"break-on-exceptions"`

	// DebugInfoDirectories is the list of directories searched when
	// resolving external debug info files.
	DebugInfoDirectories []string `yaml:"debug-info-directories"`

	// Aliases maps console command names to extra aliases.
	Aliases map[string][]string `yaml:"aliases"`
	// MaxExamineBytes bounds the length of a single examine command.
	MaxExamineBytes int `yaml:"max-examine-bytes"`
}

// Default returns the configuration used when no config file is present or
// a field is left unset.
func Default() *Config {
	return &Config{
		MessageRingSize:  1 << 16,
		EventRingSize:    1 << 20,
		CacheSlots:       1024,
		CacheStripes:     64,
		CacheNodeBudget:  256,
		MemoryPageSize:   4096,
		MaxUnwindFrames:  1024,
		MemoryWorkers:    2,
		CallStackWorkers: 1,
		WorkQueueSize:    1 << 14,
		ReadTimeout:      50 * time.Millisecond,
		KillTimeout:      5 * time.Second,
		MaxExamineBytes:  1 << 12,
		EntryPoints:      []string{"WinMain", "wWinMain", "main", "wmain", "WinMainCRTStartup", "mainCRTStartup", "_start"},
		BreakOnExceptions: []string{
			"access-violation", "illegal-instruction", "divide-by-zero",
			"stack-overflow", "cpp-throw", "array-bounds",
		},
	}
}

// fillDefaults replaces every zero field of c with its default value.
func (c *Config) fillDefaults() {
	d := Default()
	if c.MessageRingSize <= 0 {
		c.MessageRingSize = d.MessageRingSize
	}
	if c.EventRingSize <= 0 {
		c.EventRingSize = d.EventRingSize
	}
	if c.CacheSlots <= 0 {
		c.CacheSlots = d.CacheSlots
	}
	if c.CacheStripes <= 0 {
		c.CacheStripes = d.CacheStripes
	}
	if c.CacheNodeBudget <= 0 {
		c.CacheNodeBudget = d.CacheNodeBudget
	}
	if c.MemoryPageSize == 0 || c.MemoryPageSize&(c.MemoryPageSize-1) != 0 {
		c.MemoryPageSize = d.MemoryPageSize
	}
	if c.MaxUnwindFrames <= 0 {
		c.MaxUnwindFrames = d.MaxUnwindFrames
	}
	if c.MemoryWorkers <= 0 {
		c.MemoryWorkers = d.MemoryWorkers
	}
	if c.CallStackWorkers <= 0 {
		c.CallStackWorkers = d.CallStackWorkers
	}
	if c.WorkQueueSize <= 0 {
		c.WorkQueueSize = d.WorkQueueSize
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = d.KillTimeout
	}
	if c.MaxExamineBytes <= 0 {
		c.MaxExamineBytes = d.MaxExamineBytes
	}
	if len(c.EntryPoints) == 0 {
		c.EntryPoints = d.EntryPoints
	}
	if c.BreakOnExceptions == nil {
		c.BreakOnExceptions = d.BreakOnExceptions
	}
}

// Parse decodes a configuration from its YAML representation. Unset fields
// take their default values.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	c.fillDefaults()
	return &c, nil
}

// LoadConfig attempts to populate a Config object from the config.yml file.
// If path is empty the default location is used and a commented default
// file is created there when missing.
func LoadConfig(path string) *Config {
	if path == "" {
		err := createConfigPath()
		if err != nil {
			fmt.Printf("Could not create config directory: %v.", err)
			return Default()
		}
		path, err = GetConfigFilePath(configFile)
		if err != nil {
			fmt.Printf("Unable to get config file path: %v.", err)
			return Default()
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := createDefaultConfig(path); err != nil {
				fmt.Printf("Error creating default config file: %v", err)
				return Default()
			}
		}
	}

	f, err := os.Open(path)
	if err != nil {
		fmt.Printf("Unable to open config file: %v.", err)
		return Default()
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	data, err := io.ReadAll(f)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.", err)
		return Default()
	}

	c, err := Parse(data)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return Default()
	}
	return c
}

func createDefaultConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create config file: %v", err)
	}
	defer f.Close()
	if err := writeDefaultConfig(f); err != nil {
		return fmt.Errorf("unable to write default configuration: %v", err)
	}
	return nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for the radctl process-control core.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Ring buffer capacities, in bytes.
# message-ring-size: 65536
# event-ring-size: 1048576

# Cache geometry.
# cache-slots: 1024
# cache-stripes: 64
# cache-node-budget: 256
# memory-page-size: 4096

# Maximum number of frames produced when unwinding a thread.
# max-unwind-frames: 1024

# Async workers.
# memory-workers: 2
# call-stack-workers: 1

# Default cache read deadline and kill/detach deadline.
# read-timeout: 50ms
# kill-timeout: 5s

# Symbols tried when stopping at the program entry point.
# entry-points: ["WinMain", "wWinMain", "main", "wmain", "mainCRTStartup", "_start"]

# Exception kinds that stop the target on first chance.
# break-on-exceptions: ["access-violation", "illegal-instruction", "divide-by-zero", "stack-overflow", "cpp-throw"]

# Directories searched for external debug info files.
# debug-info-directories: []

# Console command aliases, for example:
# aliases:
#   continue: ["go"]

# Maximum number of bytes printed by a single examine command.
# max-examine-bytes: 4096
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if configPath := os.Getenv("XDG_CONFIG_HOME"); configPath != "" {
		return path.Join(configPath, configDir, file), nil
	}
	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return path.Join(userHomeDir, ".config", configDir, file), nil
}
