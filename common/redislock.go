package common

import (
	"time"

	"emperror.dev/errors"
	"github.com/mediocregopher/radix/v3"
)

var (
	ErrMaxLockAttemptsExceeded = errors.NewPlain("Max lock attempts exceeded")
)

// TryLockRedisKey locks the key and if succeded sets it to expire after maxDur seconds
// So that if someting went wrong its not locked forever
func TryLockRedisKey(key string, maxDur int) (bool, error) {
	var resp string
	mn := radix.MaybeNil{Rcv: &resp}
	err := RedisPool.Do(radix.FlatCmd(&mn, "SET", key, "1", "NX", "EX", maxDur))
	if err != nil {
		return false, errors.WithStackIf(err)
	}

	return !mn.Nil, nil
}

// BlockingLockRedisKey blocks until it suceeded to lock the key
func BlockingLockRedisKey(key string, maxTryDuration time.Duration, maxLockDur int) error {
	started := time.Now()
	sleepDur := time.Millisecond * 100
	maxSleep := time.Second
	for {
		if maxTryDuration != 0 && time.Since(started) > maxTryDuration {
			return ErrMaxLockAttemptsExceeded
		}

		locked, err := TryLockRedisKey(key, maxLockDur)
		if err != nil {
			return err
		}

		if locked {
			return nil
		}

		time.Sleep(sleepDur)
		sleepDur *= 2
		if sleepDur > maxSleep {
			sleepDur = maxSleep
		}
	}
}

func UnlockRedisKey(key string) {
	err := RedisPool.Do(radix.Cmd(nil, "DEL", key))
	if err != nil {
		logger.WithError(err).WithField("key", key).Error("failed unlocking redis key")
	}
}
