package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "HEARTLINE_"

	// PathEnv names a config file when no path is passed explicitly.
	PathEnv = EnvPrefix + "CONFIG"

	// Delimiter separates nested keys.
	Delimiter = "."
)

// searchPaths are tried in order when no config file is named.
var searchPaths = []string{
	"heartline.yaml",
	"heartline.yml",
	"heartline.json",
	"config.yaml",
	"configs/heartline.yaml",
	"/etc/heartline/heartline.yaml",
}

// Loader merges configuration sources into a Config. Later sources win:
// defaults, then the config file, then HEARTLINE_* variables (with a .env
// file in the working directory read first), then explicit overrides.
type Loader struct {
	k      *koanf.Koanf
	source string
}

// NewLoader returns an empty Loader.
func NewLoader() *Loader {
	return &Loader{k: koanf.New(Delimiter)}
}

// Load builds and validates a Config. configPath may be empty, in which
// case PathEnv and then searchPaths are consulted; finding no file is fine.
func (l *Loader) Load(configPath string, overrides map[string]any) (*Config, error) {
	if err := l.k.Load(confmap.Provider(flatten(DefaultConfig()), Delimiter), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	_ = godotenv.Load()

	path, explicit := configPath, configPath != ""
	if !explicit {
		if p := os.Getenv(PathEnv); p != "" {
			path, explicit = p, true
		} else {
			path = firstExisting(searchPaths)
		}
	}
	if path != "" {
		if err := l.loadFile(path); err != nil {
			if explicit {
				return nil, err
			}
		} else {
			l.source = path
		}
	}

	if err := l.k.Load(env.Provider(EnvPrefix, Delimiter, envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if len(overrides) > 0 {
		if err := l.k.Load(confmap.Provider(overrides, Delimiter), nil); err != nil {
			return nil, fmt.Errorf("apply overrides: %w", err)
		}
	}

	var cfg Config
	if err := l.k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := ValidateWithDetails(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Source returns the config file the last Load read, or "" for none.
func (l *Loader) Source() string {
	return l.source
}

// Get returns the merged value at key, or nil.
func (l *Loader) Get(key string) any {
	return l.k.Get(key)
}

// String returns the merged value at key as a string.
func (l *Loader) String(key string) string {
	return l.k.String(key)
}

func (l *Loader) loadFile(path string) error {
	var parser koanf.Parser
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("config file %s: unsupported format %q", path, ext)
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config file %s: not found", path)
	}
	if err := l.k.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

func firstExisting(paths []string) string {
	for _, p := range paths {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return ""
}

// envKey maps an environment variable onto a config key. A double
// underscore separates sections so that single underscores survive inside
// key names:
//
//	HEARTLINE_LOG__LEVEL                -> log.level
//	HEARTLINE_ENGINE__SUMMARY_EVERY     -> engine.summary_every
//	HEARTLINE_PROVIDER__OPENAI__API_KEY -> provider.openai.api_key
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(key, "__", Delimiter)
}

var durationType = reflect.TypeOf(time.Duration(0))

// flatten turns cfg into dotted mapstructure keys. Loading defaults flat
// lets a config file override single keys without dropping the rest of a
// section.
func flatten(cfg *Config) map[string]any {
	out := make(map[string]any)
	flattenInto(out, "", reflect.ValueOf(cfg).Elem())
	return out
}

func flattenInto(out map[string]any, prefix string, v reflect.Value) {
	t := v.Type()
	for i := range t.NumField() {
		f := t.Field(i)
		name := f.Tag.Get("mapstructure")
		if !f.IsExported() || name == "" || name == "-" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + Delimiter + name
		}
		fv := v.Field(i)
		switch {
		case fv.Kind() == reflect.Struct:
			flattenInto(out, key, fv)
		case fv.Type() == durationType:
			out[key] = fv.Interface()
		case fv.Kind() == reflect.Slice:
			items := make([]any, fv.Len())
			for j := range items {
				items[j] = fv.Index(j).Interface()
			}
			out[key] = items
		case fv.Kind() == reflect.Map:
			if fv.Len() > 0 {
				out[key] = fv.Interface()
			}
		default:
			out[key] = fv.Interface()
		}
	}
}

// Load builds a Config with a fresh Loader.
func Load(configPath string, overrides map[string]any) (*Config, error) {
	return NewLoader().Load(configPath, overrides)
}
