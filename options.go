package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

const (
	DefaultPort            = 50006
	DefaultMetricsPort     = 9090
	DefaultShutdownTimeout = 5 * time.Second
)

// Options contains the command-line configuration for the speed daemon.
type Options struct {
	Port         int // TCP port cameras and dispatchers connect to.
	SinkCapacity int // Tickets queued per dispatcher before it is disconnected. 0 means unbounded.
	//
	// Diagnostics.
	//
	MetricsPort     int           // Port serving /metrics and build info. 0 disables it.
	LogLevel        string        // One of debug, info, warn or error.
	ShutdownTimeout time.Duration // Grace period for the diagnostics server on shutdown.

	// level is derived from LogLevel in Complete.
	level slog.Level
}

// NewOptions returns a new Options struct initialized with default values.
func NewOptions() *Options {
	return &Options{
		Port:            DefaultPort,
		MetricsPort:     DefaultMetricsPort,
		LogLevel:        "info",
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// AddFlags binds the Options fields to command-line flags on the given FlagSet.
func (opts *Options) AddFlags(fs *pflag.FlagSet) {
	if fs == nil {
		fs = pflag.CommandLine
	}
	fs.IntVar(&opts.Port, "port", opts.Port,
		"The TCP port cameras and ticket dispatchers connect to.")
	fs.IntVar(&opts.SinkCapacity, "sink-capacity", opts.SinkCapacity,
		"Maximum tickets queued for a single dispatcher before it is disconnected. 0 means unbounded.")
	fs.IntVar(&opts.MetricsPort, "metrics-port", opts.MetricsPort,
		"The port serving Prometheus metrics and build info. 0 disables it.")
	fs.StringVar(&opts.LogLevel, "log-level", opts.LogLevel,
		"Log level: debug, info, warn or error.")
	fs.DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", opts.ShutdownTimeout,
		"Time to wait for the metrics server to finish in-flight requests on shutdown.")
}

// Complete performs post-processing of parsed command-line arguments.
func (opts *Options) Complete() error {
	if err := opts.level.UnmarshalText([]byte(strings.ToLower(opts.LogLevel))); err != nil {
		return fmt.Errorf("invalid value %q for flag %q: %w", opts.LogLevel, "log-level", err)
	}
	return nil
}

// Validate checks the Options for invalid or conflicting values.
func (opts *Options) Validate() error {
	if opts.Port < 1 || opts.Port > 65535 {
		return fmt.Errorf("invalid value %d for flag %q: must be between 1 and 65535", opts.Port, "port")
	}
	if opts.MetricsPort < 0 || opts.MetricsPort > 65535 {
		return fmt.Errorf("invalid value %d for flag %q: must be between 0 and 65535", opts.MetricsPort, "metrics-port")
	}
	if opts.MetricsPort == opts.Port {
		return fmt.Errorf("port conflict: port (%d) and metrics-port (%d) must be different", opts.Port, opts.MetricsPort)
	}
	if opts.SinkCapacity < 0 {
		return fmt.Errorf("invalid value %d for flag %q: must be >= 0", opts.SinkCapacity, "sink-capacity")
	}
	if opts.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid value %s for flag %q: must be >= 0", opts.ShutdownTimeout, "shutdown-timeout")
	}
	return nil
}
