package config

import (
	"fmt"
	"sync"

	"github.com/joho/godotenv"
)

// LoadEnv loads environment variables from the given .env files before any
// configuration structs are parsed. When called with no arguments it loads
// the default .env file from the current directory.
//
// Files are applied in order and later files take precedence over earlier
// ones, so a base file can be layered with environment-specific overrides:
//
//	err := config.LoadEnv(".env", ".env.production")
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("%w: %v", ErrLoadingEnv, err)
		}
		return nil
	}
	// Overload lets later files win over earlier ones and over values
	// loaded by a previous call.
	if err := godotenv.Overload(paths...); err != nil {
		return fmt.Errorf("%w: %v", ErrLoadingEnv, err)
	}
	return nil
}

// MustLoadEnv works like LoadEnv but panics if any file cannot be loaded.
// Use it during startup when the env files are required for the application
// to run.
func MustLoadEnv(paths ...string) {
	if err := LoadEnv(paths...); err != nil {
		panic(fmt.Sprintf("Failed to load env files: %v", err))
	}
}

// ResetCache clears all cached configuration values so subsequent Load calls
// re-parse the environment. Intended for tests that mutate env vars between
// loads.
func ResetCache() {
	globalCache.mu.Lock()
	globalCache.values = make(map[string]any)
	globalCache.onces = make(map[string]*sync.Once)
	globalCache.mu.Unlock()
}

// ForceReloadConfig discards any cached value for the config type T and
// parses the environment again. Unlike Load, it always reflects the current
// state of the environment.
func ForceReloadConfig[T any](v *T) error {
	typeName := getTypeName[T]()

	globalCache.mu.Lock()
	delete(globalCache.values, typeName)
	delete(globalCache.onces, typeName)
	globalCache.mu.Unlock()

	return Load(v)
}
