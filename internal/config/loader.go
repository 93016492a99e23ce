// Package config loads the engine configuration and manages the runtime
// settings that can be changed without a restart.
//
// Configuration is layered. Defaults come from domain.DefaultConfig for the
// environment named by JEWELFORGE_ENV (case-insensitive), a YAML file is
// decoded on top, and JEWELFORGE_* environment variables (declared with `env`
// struct tags) win over both. Before the environment is read, .env files are loaded:
//
//  1. ENV_FILE (if set, only this file is loaded)
//  2. .env.local
//  3. .env
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/manthysbr/jewelforge/internal/core/domain"
	"gopkg.in/yaml.v3"
)

const (
	envEnvironment = "JEWELFORGE_ENV"
	envConfigPath  = "JEWELFORGE_CONFIG"
)

// loadEnvFiles loads .env files; missing files are ignored.
func loadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}

	if err := godotenv.Load(".env.local"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env.local: %w", err)
	}
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// ConfigPath returns JEWELFORGE_CONFIG or def.
func ConfigPath(def string) string {
	if path := os.Getenv(envConfigPath); path != "" {
		return path
	}
	return def
}

// Load builds the engine configuration. An empty path skips the YAML layer;
// a path that does not exist is an error.
func Load(path string) (*domain.EngineConfig, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, fmt.Errorf("load environment files: %w", err)
	}

	env := domain.EnvDevelopment
	if v := os.Getenv(envEnvironment); v != "" {
		env = domain.Environment(strings.ToLower(strings.TrimSpace(v)))
	}
	cfg := domain.DefaultConfig(env)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.Environment = domain.Environment(strings.ToLower(strings.TrimSpace(string(cfg.Environment))))

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting in cfg.
func Validate(cfg *domain.EngineConfig) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch cfg.Environment {
	case domain.EnvDevelopment, domain.EnvProduction, domain.EnvTest:
	default:
		add("environment: unknown value %q", cfg.Environment)
	}

	g := cfg.Generation
	if g.MaxConcurrentJobs < 1 {
		add("generation.max_concurrent_jobs: must be at least 1")
	}
	if g.MaxQueueSize < 1 {
		add("generation.max_queue_size: must be at least 1")
	}
	if g.MaxRetries < 0 {
		add("generation.max_retries: must not be negative")
	}
	if g.RetryDelay < 0 || g.MaxRetryDelay < 0 {
		add("generation.retry_delay: must not be negative")
	}
	if g.StaleAfter < 0 {
		add("generation.stale_after: must not be negative")
	}

	t := cfg.Resources.Thresholds
	if t.Medium <= 0 || t.Medium >= t.High || t.High >= t.Critical || t.Critical > 100 {
		add("resources.thresholds: need 0 < medium < high < critical <= 100, got %v/%v/%v", t.Medium, t.High, t.Critical)
	}
	if cfg.Resources.MaxProcesses < 0 {
		add("resources.max_processes: must not be negative")
	}

	switch cfg.Storage.Driver {
	case "memory":
	case "duckdb":
		if cfg.Storage.Path == "" {
			add("storage.path: required for duckdb")
		}
	default:
		add("storage.driver: unknown value %q", cfg.Storage.Driver)
	}

	switch cfg.Renderer.Mode {
	case "http":
		if cfg.Renderer.Endpoint == "" {
			add("renderer.endpoint: required in http mode")
		}
	case "docker":
		if cfg.Renderer.Image == "" {
			add("renderer.image: required in docker mode")
		}
	default:
		add("renderer.mode: unknown value %q", cfg.Renderer.Mode)
	}

	if cfg.Breaker.FailureThreshold < 1 {
		add("breaker.failure_threshold: must be at least 1")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
}

// applyEnvOverrides sets fields carrying an `env` tag from the environment.
func applyEnvOverrides(cfg any) error {
	v := reflect.ValueOf(cfg)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	return applyEnvToStruct(v)
}

func applyEnvToStruct(v reflect.Value) error {
	if v.Kind() != reflect.Struct {
		return nil
	}

	t := v.Type()
	var errs []error
	for i := range v.NumField() {
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct {
			if err := applyEnvToStruct(field); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		name := t.Field(i).Tag.Get("env")
		if name == "" {
			continue
		}
		val := os.Getenv(name)
		if val == "" {
			continue
		}
		if err := setFieldFromString(field, val); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

var durationType = reflect.TypeOf(time.Duration(0))

func setFieldFromString(field reflect.Value, val string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(val)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(val)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		var parts []string
		for _, p := range strings.Split(val, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		field.Set(reflect.ValueOf(parts))

	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}
