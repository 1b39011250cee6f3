// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemma

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreset(t *testing.T) {
	cfg, err := Preset(DefaultPreset)
	require.NoError(t, err)
	assert.Equal(t, 24, cfg.NumHiddenLayers)
	assert.Equal(t, dtypes.Float32, cfg.ParamsDType)
	require.NoError(t, cfg.Validate())

	// Presets are copied.
	cfg.NumHiddenLayers = 1
	assert.Equal(t, 24, Presets[DefaultPreset].NumHiddenLayers)

	_, err = Preset("gemma-1000b")
	require.ErrorContains(t, err, "unknown Gemma preset")
}

func TestUpdate(t *testing.T) {
	cfg, err := Preset("debug")
	require.NoError(t, err)
	require.NoError(t, cfg.Update(`{"resid_pdrop": 0.1, "num_hidden_layers": 3}`))
	assert.Equal(t, 0.1, cfg.ResidualDropout)
	assert.Equal(t, 3, cfg.NumHiddenLayers)
	require.NoError(t, cfg.Update(""))

	require.Error(t, cfg.Update(`{"no_such_field": 1}`))
	require.Error(t, cfg.Update(`{"num_key_value_heads": 3}`))
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	contents := `{
		"vocab_size": 128, "hidden_size": 32, "intermediate_size": 64, "num_hidden_layers": 2,
		"num_attention_heads": 4, "num_key_value_heads": 1, "rms_norm_eps": 1e-6, "rope_theta": 10000
	}`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	cfg, err := FromNameOrPath(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.HeadDim)
	assert.Equal(t, "gelu_pytorch_tanh", cfg.HiddenActivation)

	m := cfg.ToMap()
	assert.Equal(t, float64(128), m["vocab_size"])
	assert.Equal(t, "float32", m["params_dtype"])

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestNumParams(t *testing.T) {
	cfg, err := Preset("debug")
	require.NoError(t, err)
	// embedding: 64*16; per layer: q,o: 16*32 each, k,v: 16*16 each, mlp: 3*16*32, norms: 2*16; final norm: 16.
	perLayer := 2*16*32 + 2*16*16 + 3*16*32 + 2*16
	assert.Equal(t, 64*16+7*perLayer+16, cfg.NumParams())
}
