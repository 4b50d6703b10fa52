package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override: DESKPILOT_WRITE_LOCK, ...
const EnvPrefix = "DESKPILOT_"

// Logger is the structured logger used by the watcher.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// LoadOptions locates the configuration sources. Precedence, lowest first:
// defaults, TOML file, .env file, process environment.
type LoadOptions struct {
	// Path is the TOML file. Empty skips it; a missing file is an error.
	Path string
	// EnvFile is a dotenv file. A missing file is ignored.
	EnvFile string
	// Lookup reads the environment. Nil uses os.LookupEnv.
	Lookup func(key string) (string, bool)
}

// Load builds and validates an AgentConfig.
func Load(opts LoadOptions) (*AgentConfig, error) {
	c := DefaultAgentConfig()

	if opts.Path != "" {
		raw := map[string]any{}
		if _, err := toml.DecodeFile(opts.Path, &raw); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.Path, err)
		}
		c.apply(raw)
	}

	dotenv := map[string]string{}
	if opts.EnvFile != "" {
		m, err := godotenv.Read(opts.EnvFile)
		switch {
		case err == nil:
			dotenv = m
		case !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("read env file %s: %w", opts.EnvFile, err)
		}
	}

	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	c.apply(envOverrides(dotenv, lookup))

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// envOverrides collects DESKPILOT_* values for every known key. The process
// environment wins over the dotenv file.
func envOverrides(dotenv map[string]string, lookup func(string) (string, bool)) map[string]any {
	out := map[string]any{}
	for _, key := range Keys() {
		name := EnvPrefix + strings.ToUpper(key)
		if v, ok := lookup(name); ok {
			out[key] = v
		} else if v, ok := dotenv[name]; ok {
			out[key] = v
		}
	}
	return out
}

// =============================================================================
// WATCH
// =============================================================================

// Watch reloads the configuration whenever opts.Path changes and passes
// each valid result to onReload. Invalid files are logged and skipped. It
// blocks until ctx is done.
//
// The parent directory is watched rather than the file so editors that
// replace the file by rename are still seen.
func Watch(ctx context.Context, opts LoadOptions, logger Logger, onReload func(*AgentConfig)) error {
	if opts.Path == "" {
		return errors.New("watch requires a config path")
	}
	target, err := filepath.Abs(opts.Path)
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			cfg, err := Load(opts)
			if err != nil {
				if logger != nil {
					logger.Warn("config_reload_failed", "path", target, "error", err.Error())
				}
				continue
			}
			if logger != nil {
				logger.Info("config_reloaded", "path", target, "op", ev.Op.String())
			}
			onReload(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if logger != nil {
				logger.Warn("config_watch_error", "error", err.Error())
			}
		}
	}
}
