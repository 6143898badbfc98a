// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/gomlx/tiledla/pkg/core/options"
	"github.com/gomlx/tiledla/pkg/linalg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunOnce(t *testing.T) {
	for _, driver := range drivers {
		for _, dtype := range []string{"float64", "complex64"} {
			t.Run(driver+"/"+dtype, func(t *testing.T) {
				cfg := config{
					driver: driver, dtype: dtype,
					n: 40, nrhs: 5, nb: 8, p: 2, q: 2,
					opts:  options.Default(),
					check: true,
				}
				require.NoError(t, cfg.validate())
				res, err := runTyped(cfg, 1)
				require.NoError(t, err)
				assert.Equal(t, linalg.Info(0), res.info)
				assert.True(t, res.elapsed > 0, "elapsed time")
				assert.Less(t, res.residual, 100.0, "scaled residual")
			})
		}
	}
}

func TestRunOnceDevices(t *testing.T) {
	opts := options.Default()
	opts.Target = options.TargetDevices
	opts.Lookahead = 2
	cfg := config{
		driver: "posv", dtype: "float64",
		n: 48, nrhs: 3, nb: 8, p: 1, q: 2,
		opts:    opts,
		devices: "sim:2",
		check:   true,
	}
	res, err := runTyped(cfg, 2)
	require.NoError(t, err)
	assert.Less(t, res.residual, 100.0)
}

func TestConfigValidate(t *testing.T) {
	valid := config{driver: "getrf", dtype: "float32", n: 10, nrhs: 1, nb: 4, p: 1, q: 1}
	require.NoError(t, valid.validate())

	for name, modify := range map[string]func(*config){
		"driver": func(c *config) { c.driver = "gemm" },
		"dtype":  func(c *config) { c.dtype = "int32" },
		"n":      func(c *config) { c.n = 0 },
		"grid":   func(c *config) { c.q = 0 },
	} {
		cfg := valid
		modify(&cfg)
		assert.Error(t, cfg.validate(), name)
	}
	assert.InDelta(t, 4*2.0*1000/3, config{driver: "getrf", dtype: "complex128", n: 10}.flops(), 1e-9)
}
