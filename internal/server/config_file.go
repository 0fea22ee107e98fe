package server

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/relaychat/internal/logger"
)

// LoadConfigFile overlays the JSON file at path onto base and returns the
// result. Keys follow the json tags of Config. Durations accept Go duration
// strings ("30s") or plain numbers of seconds.
func LoadConfigFile(path string, base Config) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config file %s", path)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrapf(err, "parse config file %s", path)
	}

	out := base
	out.AllowedOrigins = append([]string(nil), base.AllowedOrigins...)

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &out,
		WeaklyTypedInput: true,
		ZeroFields:       true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			secondsToDurationHook(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, errors.Wrap(err, "new config decoder")
	}
	if err := dec.Decode(m); err != nil {
		return nil, errors.Wrapf(err, "decode config file %s", path)
	}
	out.ConfigFile = path
	return &out, nil
}

// secondsToDurationHook reads JSON numbers as seconds, matching the
// environment variables.
func secondsToDurationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != durationType {
			return data, nil
		}
		switch v := data.(type) {
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		case int:
			return time.Duration(v) * time.Second, nil
		}
		return data, nil
	}
}

// applyRuntimeFields copies the settings that may change while running.
func applyRuntimeFields(active Config, loaded *Config) Config {
	active.AllowedOrigins = append([]string(nil), loaded.AllowedOrigins...)
	active.MaxMessageSize = loaded.MaxMessageSize
	active.RateLimit = loaded.RateLimit
	return active
}

// ConfigWatcher reloads the runtime-tunable settings whenever the config
// file changes: allowed origins, maximum message size and the rate limit.
// New connections pick up the new values.
type ConfigWatcher struct {
	path    string
	base    Config
	watcher *fsnotify.Watcher
	closed  chan struct{}
	done    chan struct{}

	// reloaded is signalled after each successful reload; used by tests.
	reloaded chan struct{}
}

// WatchConfigFile starts watching path. base is the configuration the file
// is overlaid on at every reload.
func WatchConfigFile(path string, base Config) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create config watcher")
	}
	// Editors often replace the file, so the directory is watched.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "watch %s", filepath.Dir(path))
	}

	w := &ConfigWatcher{
		path:     filepath.Clean(path),
		base:     base,
		watcher:  watcher,
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
		reloaded: make(chan struct{}, 1),
	}
	go w.loop()
	logger.Info("Watching config file", zap.String("path", path))
	return w, nil
}

func (w *ConfigWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.closed:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

func (w *ConfigWatcher) reload() {
	loaded, err := LoadConfigFile(w.path, w.base)
	if err != nil {
		logger.Warn("Config reload failed; keeping current settings", zap.String("path", w.path), zap.Error(err))
		return
	}
	next := applyRuntimeFields(currentConfig(), loaded)
	SetConfig(&next)

	applied := currentConfig()
	logger.Info("Config reloaded",
		zap.Strings("allowed_origins", applied.AllowedOrigins),
		zap.Int64("max_message_size", applied.MaxMessageSize),
		zap.Int("rate_limit_burst", applied.RateLimit.Burst),
		zap.Duration("rate_limit_refill", applied.RateLimit.RefillInterval))

	select {
	case w.reloaded <- struct{}{}:
	default:
	}
}

// Close stops watching.
func (w *ConfigWatcher) Close() error {
	select {
	case <-w.closed:
		return nil
	default:
		close(w.closed)
	}
	err := w.watcher.Close()
	<-w.done
	return errors.Wrap(err, "close config watcher")
}
