// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package devices defines the accelerator devices tiles can be copied to: each device has a memory
// pool with a fixed capacity and a set of queues that execute work asynchronously.
//
// Device implementations are registered by name (see Register), and created from a configuration
// string "<name>:<config>" with New. The "sim" implementation, always available, simulates devices
// with host memory and goroutines.
package devices

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Device is one accelerator.
type Device struct {
	num  int
	pool *MemoryPool

	mu     sync.Mutex
	queues []*Queue
}

// NewDevice creates a device with the given memory capacity in bytes. It starts without queues,
// see ReserveQueues.
func NewDevice(num int, capacity uint64) *Device {
	return &Device{num: num, pool: NewMemoryPool(capacity)}
}

// Num returns the device number, from 0.
func (d *Device) Num() int { return d.num }

// Pool returns the memory pool of the device.
func (d *Device) Pool() *MemoryPool { return d.pool }

// ReserveQueues makes sure the device has at least n queues.
func (d *Device) ReserveQueues(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.queues) < n {
		d.queues = append(d.queues, newQueue(d, len(d.queues)))
	}
}

// NumQueues returns the number of queues created so far.
func (d *Device) NumQueues() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// Queue returns the queue i. It panics if it hasn't been reserved.
func (d *Device) Queue(i int) *Queue {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.queues) {
		exceptions.Panicf("device #%d: queue %d not reserved (%d queues available)", d.num, i, len(d.queues))
	}
	return d.queues[i]
}

// Sync waits for all queues of the device.
func (d *Device) Sync() {
	d.mu.Lock()
	queues := slices.Clone(d.queues)
	d.mu.Unlock()
	for _, q := range queues {
		q.Sync()
	}
}

func (d *Device) finalize() {
	d.Sync()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, q := range d.queues {
		q.close()
	}
	d.queues = nil
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	return fmt.Sprintf("Device #%d (%d queues, memory %s)", d.num, d.NumQueues(), d.pool)
}

// Devices is the set of devices available to one rank.
type Devices struct {
	name    string
	devices []*Device
}

// NewDevices creates a set of devices of the platform name, each with the given capacity.
func NewDevices(name string, numDevices int, capacity uint64) *Devices {
	ds := &Devices{name: name}
	for i := range numDevices {
		ds.devices = append(ds.devices, NewDevice(i, capacity))
	}
	return ds
}

// Name of the platform, e.g. "sim".
func (ds *Devices) Name() string { return ds.name }

// NumDevices returns the number of devices. It is 0 for a nil Devices.
func (ds *Devices) NumDevices() int {
	if ds == nil {
		return 0
	}
	return len(ds.devices)
}

// Device returns device i. It panics if i is out of range.
func (ds *Devices) Device(i int) *Device {
	if i < 0 || i >= ds.NumDevices() {
		exceptions.Panicf("device #%d not available (%d devices)", i, ds.NumDevices())
	}
	return ds.devices[i]
}

// Finalize waits for all pending work and stops all queues.
func (ds *Devices) Finalize() {
	for _, d := range ds.devices {
		d.finalize()
	}
}

// String implements fmt.Stringer.
func (ds *Devices) String() string {
	if ds == nil {
		return "Devices(none)"
	}
	parts := make([]string, len(ds.devices))
	for i, d := range ds.devices {
		parts[i] = d.String()
	}
	return fmt.Sprintf("Devices(%s: %s)", ds.name, strings.Join(parts, "; "))
}

// Constructor takes a configuration string (optionally empty) and returns the devices of one rank.
type Constructor func(config string) (*Devices, error)

var (
	registryMu             sync.Mutex
	registeredConstructors = make(map[string]Constructor)
)

// Register devices implementation with the given name.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registeredConstructors[name] = constructor
}

// List returns the names of the registered implementations, sorted.
func List() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// New creates the devices described by config, in the form "<name>:<config>", e.g. "sim:2:memory=256MiB".
// Each rank should create its own Devices.
func New(config string) (*Devices, error) {
	name, devConfig, _ := strings.Cut(config, ":")
	registryMu.Lock()
	constructor, found := registeredConstructors[name]
	registryMu.Unlock()
	if !found {
		return nil, errors.Errorf("devices %q not registered, available: %v", name, List())
	}
	ds, err := constructor(devConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating devices %q", config)
	}
	klog.V(1).Infof("created %s", ds)
	return ds, nil
}
