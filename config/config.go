package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"
)

// EnvPrefix prefixes environment overrides, e.g. SEHTTPD_PORT
const EnvPrefix = "SEHTTPD"

// Config holds all application configuration.
type Config struct {
	Port       int
	Root       string
	ConfigFile string

	// Event loop
	QueueDepth       int
	MaxConns         int
	Buffers          int
	BufferSize       int
	IOTimeout        time.Duration
	KeepAliveTimeout time.Duration
	Backend          string
	FileCache        int

	// Ambient
	MetricsAddr string
	LogLevel    string
	LogFormat   string
	GOGC        int
	MemoryLimit int64
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Port:             8081,
		Root:             "./www",
		QueueDepth:       8192,
		MaxConns:         4096,
		Buffers:          2048,
		BufferSize:       4096,
		IOTimeout:        1500 * time.Millisecond,
		KeepAliveTimeout: 1000 * time.Millisecond,
		Backend:          "auto",
		FileCache:        1000,
		LogLevel:         "info",
		LogFormat:        "text",
		GOGC:             200,
	}
}

// New loads configuration from the process flags, environment and optional
// JSON file.
func New() (*Config, error) {
	return Load(flag.CommandLine, os.Args[1:])
}

// Load builds a Config with precedence defaults < JSON file < environment <
// flags given in args.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := Default()

	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fs.StringVar(&cfg.Root, "root", cfg.Root, "Document root")
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "JSON configuration file")
	fs.IntVar(&cfg.QueueDepth, "queue-depth", cfg.QueueDepth, "Submission queue entries")
	fs.IntVar(&cfg.MaxConns, "max-conns", cfg.MaxConns, "Maximum concurrent connections")
	fs.IntVar(&cfg.Buffers, "buffers", cfg.Buffers, "Receive buffers provided to the ring")
	fs.IntVar(&cfg.BufferSize, "buffer-size", cfg.BufferSize, "Size of one receive buffer (bytes)")
	fs.DurationVar(&cfg.IOTimeout, "io-timeout", cfg.IOTimeout, "Per-operation I/O timeout")
	fs.DurationVar(&cfg.KeepAliveTimeout, "keepalive-timeout", cfg.KeepAliveTimeout, "Idle timeout between keep-alive requests")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "Ring backend (auto/uring/emulated)")
	fs.IntVar(&cfg.FileCache, "file-cache", cfg.FileCache, "Open file cache entries")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Metrics and stats listen address (empty disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug/info/warn/error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text/json)")
	fs.IntVar(&cfg.GOGC, "gogc", cfg.GOGC, "GC target percentage (0 keeps the runtime default)")
	fs.Int64Var(&cfg.MemoryLimit, "memory-limit", cfg.MemoryLimit, "Soft memory limit in bytes (0 = none)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	m := NewManager()
	m.LoadFromEnv(EnvPrefix)

	file := cfg.ConfigFile
	if !explicit["config"] {
		file = m.GetString("config", file)
	}
	if file != "" {
		fileValues := NewManager()
		if err := fileValues.LoadFromJSON(file); err != nil {
			return nil, err
		}
		// Environment overrides the file
		for _, k := range m.Keys() {
			v, _ := m.Get(k)
			fileValues.Set(k, v)
		}
		m = fileValues
	}

	if err := apply(fs, m, explicit); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// apply sets every flag that was not given explicitly from m
func apply(fs *flag.FlagSet, m *Manager, explicit map[string]bool) error {
	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if explicit[f.Name] {
			return
		}
		if _, ok := m.Get(f.Name); !ok {
			return
		}

		value := m.GetString(f.Name)
		if g, ok := f.Value.(flag.Getter); ok {
			if _, isDuration := g.Get().(time.Duration); isDuration {
				value = m.GetDuration(f.Name).String()
			}
		}

		if err := fs.Set(f.Name, value); err != nil {
			errs = append(errs, fmt.Errorf("config %s=%q: %w", f.Name, value, err))
		}
	})
	return errors.Join(errs...)
}

// Validate checks ranges the engine cannot recover from
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Root == "" {
		errs = append(errs, errors.New("root must not be empty"))
	}
	if c.QueueDepth <= 0 {
		errs = append(errs, fmt.Errorf("queue-depth %d must be positive", c.QueueDepth))
	}
	if c.MaxConns <= 0 {
		errs = append(errs, fmt.Errorf("max-conns %d must be positive", c.MaxConns))
	}
	if c.Buffers <= 0 || c.Buffers > 1<<16 {
		errs = append(errs, fmt.Errorf("buffers %d out of range 1..65536", c.Buffers))
	}
	if c.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("buffer-size %d must be positive", c.BufferSize))
	}
	if c.IOTimeout <= 0 || c.KeepAliveTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	switch c.Backend {
	case "auto", "uring", "emulated":
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// Addr returns the listen address for Port
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
