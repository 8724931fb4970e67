package common

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/mediocregopher/radix/v3"
)

const ServicesRedisKey = "gamesched_services"

// ServiceType represents the type of the component
type ServiceType string

const (
	ServiceTypeDaemon   ServiceType = "daemon"
	ServiceTypeConsumer ServiceType = "consumer"
	ServiceTypeCleaner  ServiceType = "cleaner"
)

// Service represents a single component running in a process, Name is usually the schedule kind
type Service struct {
	Type ServiceType `json:"type"`
	Name string      `json:"name"`

	// State is refreshed on every heartbeat if the service provided a state func
	State  string `json:"state,omitempty"`
	stateF func() string
}

// ServiceHost represents a process that holds one or more components
type ServiceHost struct {
	Host    string `json:"host"`
	PID     int    `json:"pid"`
	NodeID  string `json:"node_id"`
	Version string `json:"version"`

	Services []*Service `json:"services"`
}

type serviceTracker struct {
	host       *ServiceHost
	lastUpdate []byte

	mu sync.Mutex
}

// ServiceTracker heartbeats the components of this process into redis, so the status command can list them
var ServiceTracker = newServiceTracker()

func newServiceTracker() *serviceTracker {
	hostname, _ := os.Hostname()

	return &serviceTracker{
		host: &ServiceHost{
			Host:    hostname,
			PID:     os.Getpid(),
			Version: VERSION,
		},
	}
}

// RegisterService adds a component to this process' heartbeat, stateF may be nil
func (s *serviceTracker) RegisterService(t ServiceType, name string, stateF func() string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.host.Services = append(s.host.Services, &Service{
		Type:   t,
		Name:   name,
		stateF: stateF,
	})
}

// RunBackgroundWorker heartbeats every 5 seconds until ctx is done, and removes the entry on the way out
func (s *serviceTracker) RunBackgroundWorker(ctx context.Context) {
	if RedisPool == nil {
		return
	}

	t := time.NewTicker(time.Second * 5)
	defer t.Stop()

	for {
		s.update()

		select {
		case <-ctx.Done():
			s.remove()
			return
		case <-t.C:
		}
	}
}

func (s *serviceTracker) update() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.host.NodeID = NodeID
	for _, v := range s.host.Services {
		if v.stateF != nil {
			v.State = v.stateF()
		}
	}

	serialized, err := json.Marshal(s.host)
	if err != nil {
		logger.WithError(err).Error("failed marshaling service host")
		return
	}

	if s.lastUpdate != nil && !bytes.Equal(serialized, s.lastUpdate) {
		err = RedisPool.Do(radix.FlatCmd(nil, "ZREM", ServicesRedisKey, s.lastUpdate))
		if err != nil {
			logger.WithError(err).Error("failed removing service host")
			return
		}
	}

	err = RedisPool.Do(radix.FlatCmd(nil, "ZADD", ServicesRedisKey, time.Now().Unix(), serialized))
	if err != nil {
		logger.WithError(err).Error("failed updating service host")
		return
	}

	s.lastUpdate = serialized

	err = RedisPool.Do(radix.FlatCmd(nil, "ZREMRANGEBYSCORE", ServicesRedisKey, 0, time.Now().Unix()-30))
	if err != nil {
		logger.WithError(err).Error("failed clearing old service hosts")
	}
}

func (s *serviceTracker) remove() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastUpdate == nil {
		return
	}

	err := RedisPool.Do(radix.FlatCmd(nil, "ZREM", ServicesRedisKey, s.lastUpdate))
	if err != nil {
		logger.WithError(err).Error("failed removing service host")
	}
}

// GetActiveServiceHosts returns the processes that heartbeated in the last 30 seconds
func GetActiveServiceHosts(client radix.Client) ([]*ServiceHost, error) {
	var hosts []string
	err := client.Do(radix.FlatCmd(&hosts, "ZRANGEBYSCORE", ServicesRedisKey, time.Now().Unix()-30, "+inf"))
	if err != nil {
		return nil, errors.WithStackIf(err)
	}

	result := make([]*ServiceHost, 0, len(hosts))
	for _, v := range hosts {
		var parsed *ServiceHost
		err = json.Unmarshal([]byte(v), &parsed)
		if err != nil {
			return nil, errors.WithStackIf(err)
		}

		result = append(result, parsed)
	}

	return result, nil
}
