// Package config loads the HCL file that configures the engine, the CPU
// numeric library, logging and trace export.
//
// Every block and attribute is optional; missing values keep their
// defaults:
//
//	engine {
//	  workers      = 4
//	  retain_graph = false
//	}
//	backend {
//	  workers = 8
//	}
//	logging {
//	  level  = "info"
//	  format = "text"
//	}
//	trace {
//	  enabled = true
//	  output  = "trace.pb"
//	}
package config

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/born-ml/autograd/internal/ctxlog"
)

// Config is the decoded configuration.
type Config struct {
	Engine  Engine
	Backend Backend
	Logging Logging
	Trace   Trace
}

// Engine configures backward passes.
type Engine struct {
	Workers     int
	RetainGraph bool
}

// Backend configures the CPU numeric library.
type Backend struct {
	Workers int
}

// Logging selects the slog handler.
type Logging struct {
	Level  string
	Format string
}

// Trace controls tracing of compiled functions.
type Trace struct {
	Enabled bool
	Output  string
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Engine:  Engine{Workers: runtime.GOMAXPROCS(0)},
		Backend: Backend{Workers: runtime.NumCPU()},
		Logging: Logging{Level: "info", Format: "text"},
	}
}

// fileRoot mirrors the top-level blocks of a configuration file.
type fileRoot struct {
	Engine  *engineBlock  `hcl:"engine,block"`
	Backend *backendBlock `hcl:"backend,block"`
	Logging *loggingBlock `hcl:"logging,block"`
	Trace   *traceBlock   `hcl:"trace,block"`
}

type engineBlock struct {
	Workers     *int  `hcl:"workers,optional"`
	RetainGraph *bool `hcl:"retain_graph,optional"`
}

type backendBlock struct {
	Workers *int `hcl:"workers,optional"`
}

type loggingBlock struct {
	Level  *string `hcl:"level,optional"`
	Format *string `hcl:"format,optional"`
}

type traceBlock struct {
	Enabled *bool   `hcl:"enabled,optional"`
	Output  *string `hcl:"output,optional"`
}

// Load reads and validates the configuration file at path.
func Load(ctx context.Context, path string) (*Config, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg, err := Parse(src, path)
	if err != nil {
		return nil, err
	}
	ctxlog.FromContext(ctx).Debug("Configuration loaded.", "path", path,
		"engine_workers", cfg.Engine.Workers, "backend_workers", cfg.Backend.Workers, "trace", cfg.Trace.Enabled)
	return cfg, nil
}

// Parse decodes and validates HCL source. filename is used in diagnostics.
func Parse(src []byte, filename string) (*Config, error) {
	file, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	cfg := Default()
	root.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", filename, err)
	}
	return cfg, nil
}

func (r *fileRoot) apply(cfg *Config) {
	if b := r.Engine; b != nil {
		set(&cfg.Engine.Workers, b.Workers)
		set(&cfg.Engine.RetainGraph, b.RetainGraph)
	}
	if b := r.Backend; b != nil {
		set(&cfg.Backend.Workers, b.Workers)
	}
	if b := r.Logging; b != nil {
		set(&cfg.Logging.Level, b.Level)
		set(&cfg.Logging.Format, b.Format)
	}
	if b := r.Trace; b != nil {
		set(&cfg.Trace.Enabled, b.Enabled)
		set(&cfg.Trace.Output, b.Output)
	}
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Validate checks value ranges. The returned error wraps hcl.Diagnostics
// so every problem is reported at once.
func (c *Config) Validate() error {
	var diags hcl.Diagnostics
	invalid := func(summary, detail string) {
		diags = append(diags, &hcl.Diagnostic{Severity: hcl.DiagError, Summary: summary, Detail: detail})
	}

	if c.Engine.Workers < 1 {
		invalid("Invalid engine workers", fmt.Sprintf("workers must be at least 1, got %d.", c.Engine.Workers))
	}
	if c.Backend.Workers < 1 {
		invalid("Invalid backend workers", fmt.Sprintf("workers must be at least 1, got %d.", c.Backend.Workers))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		invalid("Invalid log level", fmt.Sprintf("level must be one of debug, info, warn, error; got %q.", c.Logging.Level))
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		invalid("Invalid log format", fmt.Sprintf("format must be text or json; got %q.", c.Logging.Format))
	}
	if c.Trace.Output != "" && !c.Trace.Enabled {
		invalid("Trace output without tracing", "output is set but enabled is false.")
	}

	if diags.HasErrors() {
		return diags
	}
	return nil
}
