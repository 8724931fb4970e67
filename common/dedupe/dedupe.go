// Package dedupe remembers which notifications were already sent, so redelivered events don't notify twice
package dedupe

import (
	"time"

	"emperror.dev/errors"
	"github.com/botlabs-gg/gamesched/common"
	"github.com/mediocregopher/radix/v3"
	"github.com/patrickmn/go-cache"
)

// Marker sets keys at most once within their ttl
type Marker interface {
	// MarkOnce sets key, returning false if it was already set
	MarkOnce(key string, ttl time.Duration) (bool, error)
	// Unmark clears key, used when whatever the mark protected failed
	Unmark(key string) error
}

// New returns a redis backed marker if redis is configured, and an in process one otherwise
func New() Marker {
	if common.RedisPool != nil {
		return &RedisMarker{Pool: common.RedisPool, Prefix: "gamesched_sent:"}
	}

	return NewMemoryMarker()
}

// RedisMarker is shared between all the processes using the same redis
type RedisMarker struct {
	Pool   radix.Client
	Prefix string
}

var _ Marker = (*RedisMarker)(nil)

func (r *RedisMarker) MarkOnce(key string, ttl time.Duration) (bool, error) {
	ms := ttl.Milliseconds()
	if ms < 1 {
		ms = 1
	}

	var resp string
	mn := radix.MaybeNil{Rcv: &resp}
	err := r.Pool.Do(radix.FlatCmd(&mn, "SET", r.Prefix+key, "1", "NX", "PX", ms))
	if err != nil {
		return false, errors.WithStackIf(err)
	}

	return !mn.Nil, nil
}

func (r *RedisMarker) Unmark(key string) error {
	return errors.WithStackIf(r.Pool.Do(radix.Cmd(nil, "DEL", r.Prefix+key)))
}

// MemoryMarker only dedupes within the process
type MemoryMarker struct {
	c *cache.Cache
}

var _ Marker = (*MemoryMarker)(nil)

func NewMemoryMarker() *MemoryMarker {
	return &MemoryMarker{
		c: cache.New(time.Hour, time.Minute*10),
	}
}

func (m *MemoryMarker) MarkOnce(key string, ttl time.Duration) (bool, error) {
	err := m.c.Add(key, struct{}{}, ttl)
	if err != nil {
		// already exists
		return false, nil
	}

	return true, nil
}

func (m *MemoryMarker) Unmark(key string) error {
	m.c.Delete(key)
	return nil
}
