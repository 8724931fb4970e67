package config

import (
	"os"
	"strings"
)

// EnvSource maps option names to environment variables,
// gamesched.wake_timeout_seconds becomes GAMESCHED_WAKE_TIMEOUT_SECONDS
type EnvSource struct{}

func EnvKey(key string) string {
	properKey := strings.ToUpper(key)
	return strings.Replace(properKey, ".", "_", -1)
}

func (e *EnvSource) GetValue(key string) interface{} {
	v := os.Getenv(EnvKey(key))
	if v == "" {
		return nil
	}
	return v
}

func (e *EnvSource) Name() string {
	return "env"
}

// MapSource is a static source, mostly useful in tests
type MapSource map[string]interface{}

func (m MapSource) GetValue(key string) interface{} {
	return m[key]
}

func (m MapSource) Name() string {
	return "map"
}
