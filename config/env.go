package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvLoader reads prefixed environment variables
type EnvLoader struct {
	prefix string
	vars   map[string]string
}

// NewEnvLoader creates a new environment variable loader with the given prefix
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{
		prefix: prefix,
		vars:   make(map[string]string),
	}
}

// LoadAll loads all environment variables with the configured prefix
func (e *EnvLoader) LoadAll() {
	for _, env := range os.Environ() {
		key, val, ok := strings.Cut(env, "=")
		if ok && strings.HasPrefix(key, e.prefix) {
			e.vars[key] = val
		}
	}
}

// GetString returns a string value from environment variables
func (e *EnvLoader) GetString(key string, defaultValue string) string {
	if val, ok := e.vars[e.prefix+key]; ok {
		return val
	}
	return defaultValue
}

// GetInt returns an integer value from environment variables
func (e *EnvLoader) GetInt(key string, defaultValue int) (int, error) {
	if val := e.GetString(key, ""); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("invalid integer value for %s%s: %w", e.prefix, key, err)
		}
		return n, nil
	}
	return defaultValue, nil
}

// GetBool returns a boolean value from environment variables
func (e *EnvLoader) GetBool(key string, defaultValue bool) bool {
	if val := e.GetString(key, ""); val != "" {
		return strings.ToLower(val) == "true" || val == "1"
	}
	return defaultValue
}

// GetDuration returns a duration value from environment variables
func (e *EnvLoader) GetDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if val := e.GetString(key, ""); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s%s: %w", e.prefix, key, err)
		}
		return d, nil
	}
	return defaultValue, nil
}

// GetFloat64 returns a float64 value from environment variables
func (e *EnvLoader) GetFloat64(key string, defaultValue float64) (float64, error) {
	if val := e.GetString(key, ""); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number for %s%s: %w", e.prefix, key, err)
		}
		return f, nil
	}
	return defaultValue, nil
}
