package kafka

import (
	"fmt"
	"slices"
	"sync"
)

// Factory builds an Adapter (e.g. the consumer group or partition driver).
type Factory func() Adapter

var (
	mu      sync.RWMutex
	drivers = map[string]Factory{}
)

// RegisterDriver makes a driver available by name. Later registrations
// replace earlier ones.
func RegisterDriver(name string, f Factory) {
	mu.Lock()
	drivers[name] = f
	mu.Unlock()
}

// NewAdapter returns a driver by name ("sarama", "partition", ...).
func NewAdapter(name string) (Adapter, error) {
	mu.RLock()
	f, ok := drivers[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("kafka: unsupported driver %q (have %v)", name, Drivers())
	}
	return f(), nil
}

func Drivers() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(drivers))
	for n := range drivers {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func init() {
	RegisterDriver(DriverGroup, func() Adapter { return &SaramaDriver{} })
	RegisterDriver(DriverPartition, func() Adapter { return &PartitionDriver{} })
}
