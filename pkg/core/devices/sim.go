// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package devices

import (
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// SimDefaultMemory is the memory capacity of each simulated device, if not configured.
const SimDefaultMemory = "1GiB"

func init() {
	Register("sim", NewSim)
}

// NewSim creates simulated devices, with memory in the host and queues run by goroutines.
//
// The config is a ":" or "," separated list of: the number of devices (default 1), and
// "memory=<size>" with the capacity of each device (e.g.: "512MiB", default SimDefaultMemory).
func NewSim(config string) (*Devices, error) {
	numDevices := 1
	capacity, err := humanize.ParseBytes(SimDefaultMemory)
	if err != nil {
		return nil, err
	}
	fields := strings.FieldsFunc(config, func(r rune) bool { return r == ':' || r == ',' })
	for _, field := range fields {
		key, value, hasValue := strings.Cut(field, "=")
		switch {
		case !hasValue:
			numDevices, err = strconv.Atoi(key)
			if err != nil || numDevices <= 0 {
				return nil, errors.Errorf("invalid number of devices %q", key)
			}
		case key == "memory":
			capacity, err = humanize.ParseBytes(value)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid memory %q", value)
			}
		default:
			return nil, errors.Errorf("unknown sim devices option %q", key)
		}
	}
	return NewDevices("sim", numDevices, capacity), nil
}
