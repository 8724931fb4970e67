package config

import (
	"strings"

	"github.com/mediocregopher/radix/v3"
	"github.com/sirupsen/logrus"
)

// RedisConfigStore reads overrides from the gamesched_config hash,
// keys are stored without the "gamesched." prefix
type RedisConfigStore struct {
	Pool *radix.Pool
}

const redisConfigKey = "gamesched_config"

func (rs *RedisConfigStore) GetValue(key string) interface{} {
	prefixStripped := strings.TrimPrefix(key, "gamesched.")

	var v string
	err := rs.Pool.Do(radix.Cmd(&v, "HGET", redisConfigKey, prefixStripped))
	if err != nil {
		logrus.WithError(err).Error("[redis_config_source] failed retrieving value")
		return nil
	}

	if v == "" {
		return nil
	}

	return v
}

func (rs *RedisConfigStore) SaveValue(key, value string) error {
	prefixStripped := strings.TrimPrefix(key, "gamesched.")
	return rs.Pool.Do(radix.Cmd(nil, "HSET", redisConfigKey, prefixStripped, value))
}

func (rs *RedisConfigStore) Name() string {
	return "redis"
}
