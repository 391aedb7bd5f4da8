package policy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/go-core/log"
)

const (
	reloadDebounce = 100 * time.Millisecond
	pollInterval   = 60 * time.Second
)

// Parse decodes YAML settings on top of Defaults. Unknown keys are rejected so
// a misspelled threshold cannot silently fall back to its default.
func Parse(data []byte) (Config, error) {
	c := Defaults()
	groups := c.CompatibleEventTypes
	// yaml.v3 merges into a non-nil map; the file must replace the groups, not extend them
	c.CompatibleEventTypes = nil
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode settings: %w", err)
	}
	if c.CompatibleEventTypes == nil {
		c.CompatibleEventTypes = groups
	}
	c = c.Normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadFile reads and parses a YAML settings file.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return Config{}, fmt.Errorf("read settings: %w", err)
	}
	return Parse(data)
}

// Watch reloads path into h whenever the file changes, until ctx is done.
// fsnotify events on the parent directory catch editors that replace the file;
// a slow mtime poll covers filesystems where notifications are unreliable.
// A file that fails to parse or validate is logged and the previous snapshot
// stays active.
func Watch(ctx context.Context, path string, h *Holder, logger log.Logger) error {
	if logger == nil {
		logger = log.Nop()
	}
	L := logger.With("settings_file", path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("settings watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("settings watcher: watch %s: %w", filepath.Dir(path), err)
	}

	lastMod := modTime(path)
	reload := func(reason string) {
		c, err := LoadFile(path)
		if err != nil {
			L.Error(ctx, err, "settings reload rejected, keeping previous snapshot", "trigger", reason)
			return
		}
		if err := h.Swap(c); err != nil {
			L.Error(ctx, err, "settings swap rejected", "trigger", reason)
			return
		}
		lastMod = modTime(path)
		L.Info(ctx, "settings reloaded", "trigger", reason,
			"min_confidence_for_notify", c.MinConfidenceForNotify,
			"high_severity_threshold", c.HighSeverityThreshold,
			"merge_window_seconds", c.MergeWindowSeconds,
			"dedup_window_seconds", c.DedupWindowSeconds,
			"forbidden_terms", len(c.ForbiddenTerms),
		)
	}

	go func() {
		defer func() { _ = w.Close() }()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce = time.After(reloadDebounce)
				}
			case <-debounce:
				debounce = nil
				reload("fsnotify")
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				L.Warn(ctx, "settings watcher error", "error", err)
			case <-ticker.C:
				if m := modTime(path); !m.IsZero() && !m.Equal(lastMod) {
					reload("poll")
				}
			}
		}
	}()
	return nil
}

func modTime(path string) time.Time {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}
