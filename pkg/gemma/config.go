// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemma

import (
	"encoding/json"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Config holds the hyperparameters of a Gemma causal language model.
//
// The JSON field names follow HuggingFace's config.json, so a config can be read directly from a
// HuggingFace repository.
type Config struct {
	VocabSize             int     `json:"vocab_size" yaml:"vocab_size"`
	HiddenSize            int     `json:"hidden_size" yaml:"hidden_size"`
	IntermediateSize      int     `json:"intermediate_size" yaml:"intermediate_size"`
	NumHiddenLayers       int     `json:"num_hidden_layers" yaml:"num_hidden_layers"`
	NumAttentionHeads     int     `json:"num_attention_heads" yaml:"num_attention_heads"`
	NumKeyValueHeads      int     `json:"num_key_value_heads" yaml:"num_key_value_heads"`
	HeadDim               int     `json:"head_dim" yaml:"head_dim"`
	MaxPositionEmbeddings int     `json:"max_position_embeddings" yaml:"max_position_embeddings"`
	RMSNormEps            float64 `json:"rms_norm_eps" yaml:"rms_norm_eps"`
	RopeTheta             float64 `json:"rope_theta" yaml:"rope_theta"`
	InitializerRange      float64 `json:"initializer_range" yaml:"initializer_range"`

	// HiddenActivation is the MLP gate activation: "gelu_pytorch_tanh" (approximate) or "gelu" (exact).
	HiddenActivation string `json:"hidden_activation" yaml:"hidden_activation"`

	// Dropout rates, only applied during training.
	EmbeddingDropout float64 `json:"embd_pdrop" yaml:"embd_pdrop"`
	ResidualDropout  float64 `json:"resid_pdrop" yaml:"resid_pdrop"`
	AttentionDropout float64 `json:"attention_dropout" yaml:"attention_dropout"`

	BOSTokenID int `json:"bos_token_id" yaml:"bos_token_id"`
	EOSTokenID int `json:"eos_token_id" yaml:"eos_token_id"`
	PadTokenID int `json:"pad_token_id" yaml:"pad_token_id"`

	// ParamsDType is the dtype of the model parameters, and ComputeDType the dtype used for the
	// activations. They are not part of the HuggingFace config.
	ParamsDType  dtypes.DType `json:"-" yaml:"-"`
	ComputeDType dtypes.DType `json:"-" yaml:"-"`
}

// Presets of known model configurations.
var Presets = map[string]Config{
	"gemma-2b": {
		VocabSize:             256000,
		HiddenSize:            2048,
		IntermediateSize:      16384,
		NumHiddenLayers:       18,
		NumAttentionHeads:     8,
		NumKeyValueHeads:      1,
		HeadDim:               256,
		MaxPositionEmbeddings: 8192,
		RMSNormEps:            1e-6,
		RopeTheta:             10000,
		InitializerRange:      0.02,
		HiddenActivation:      "gelu_pytorch_tanh",
		BOSTokenID:            2,
		EOSTokenID:            1,
		PadTokenID:            0,
	},

	// Block-expanded gemma-2b: 6 new decoder blocks interleaved with the original 18.
	"gemma-2b-pro": {
		VocabSize:             256000,
		HiddenSize:            2048,
		IntermediateSize:      16384,
		NumHiddenLayers:       24,
		NumAttentionHeads:     8,
		NumKeyValueHeads:      1,
		HeadDim:               256,
		MaxPositionEmbeddings: 8192,
		RMSNormEps:            1e-6,
		RopeTheta:             10000,
		InitializerRange:      0.02,
		HiddenActivation:      "gelu_pytorch_tanh",
		BOSTokenID:            2,
		EOSTokenID:            1,
		PadTokenID:            0,
	},
	"gemma-7b": {
		VocabSize:             256000,
		HiddenSize:            3072,
		IntermediateSize:      24576,
		NumHiddenLayers:       28,
		NumAttentionHeads:     16,
		NumKeyValueHeads:      16,
		HeadDim:               256,
		MaxPositionEmbeddings: 8192,
		RMSNormEps:            1e-6,
		RopeTheta:             10000,
		InitializerRange:      0.02,
		HiddenActivation:      "gelu_pytorch_tanh",
		BOSTokenID:            2,
		EOSTokenID:            1,
		PadTokenID:            0,
	},

	// Tiny model for tests and debugging.
	"debug": {
		VocabSize:             64,
		HiddenSize:            16,
		IntermediateSize:      32,
		NumHiddenLayers:       7,
		NumAttentionHeads:     4,
		NumKeyValueHeads:      2,
		HeadDim:               8,
		MaxPositionEmbeddings: 128,
		RMSNormEps:            1e-6,
		RopeTheta:             10000,
		InitializerRange:      0.02,
		HiddenActivation:      "gelu_pytorch_tanh",
		BOSTokenID:            2,
		EOSTokenID:            1,
		PadTokenID:            0,
	},
}

// DefaultPreset is the configuration trained by default.
const DefaultPreset = "gemma-2b-pro"

// Preset returns a copy of the named preset configuration, with float32 params and compute dtypes.
func Preset(name string) (*Config, error) {
	preset, found := Presets[name]
	if !found {
		return nil, errors.Errorf("unknown Gemma preset %q, known presets: %q",
			name, slices.Sorted(maps.Keys(Presets)))
	}
	cfg := preset
	cfg.ParamsDType = dtypes.Float32
	cfg.ComputeDType = dtypes.Float32
	return &cfg, nil
}

// LoadConfig reads a HuggingFace config.json file.
func LoadConfig(path string) (*Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read Gemma config from %q", path)
	}
	cfg := &Config{}
	if err = json.Unmarshal(contents, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse Gemma config in %q", path)
	}
	cfg.ParamsDType = dtypes.Float32
	cfg.ComputeDType = dtypes.Float32
	if cfg.HeadDim == 0 && cfg.NumAttentionHeads > 0 {
		cfg.HeadDim = cfg.HiddenSize / cfg.NumAttentionHeads
	}
	if cfg.HiddenActivation == "" {
		cfg.HiddenActivation = "gelu_pytorch_tanh"
	}
	if cfg.InitializerRange == 0 {
		cfg.InitializerRange = 0.02
	}
	return cfg, cfg.Validate()
}

// FromNameOrPath returns the named preset, or if nameOrPath is not a preset, it loads it as a config.json file.
func FromNameOrPath(nameOrPath string) (*Config, error) {
	if _, found := Presets[nameOrPath]; found {
		return Preset(nameOrPath)
	}
	if strings.HasSuffix(nameOrPath, ".json") {
		return LoadConfig(nameOrPath)
	}
	return Preset(nameOrPath)
}

// Update overwrites the fields given in updatesJSON, a JSON object using config.json field names,
// e.g. `{"resid_pdrop": 0.05}`. An empty string is a no-op.
func (c *Config) Update(updatesJSON string) error {
	if strings.TrimSpace(updatesJSON) == "" {
		return nil
	}
	decoder := json.NewDecoder(strings.NewReader(updatesJSON))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(c); err != nil {
		return errors.Wrapf(err, "invalid Gemma config update %q", updatesJSON)
	}
	return c.Validate()
}

// Validate checks the consistency of the configuration.
func (c *Config) Validate() error {
	switch {
	case c.VocabSize <= 0 || c.HiddenSize <= 0 || c.IntermediateSize <= 0 || c.NumHiddenLayers <= 0:
		return errors.Errorf("invalid Gemma config, sizes must be positive: %+v", *c)
	case c.NumAttentionHeads <= 0 || c.NumKeyValueHeads <= 0 || c.HeadDim <= 0:
		return errors.Errorf("invalid Gemma config, attention heads must be positive: %+v", *c)
	case c.NumAttentionHeads%c.NumKeyValueHeads != 0:
		return errors.Errorf("num_attention_heads (%d) must be a multiple of num_key_value_heads (%d)",
			c.NumAttentionHeads, c.NumKeyValueHeads)
	case c.HeadDim%2 != 0:
		return errors.Errorf("head_dim (%d) must be even for rotary embeddings", c.HeadDim)
	case c.EmbeddingDropout < 0 || c.EmbeddingDropout >= 1 ||
		c.ResidualDropout < 0 || c.ResidualDropout >= 1 ||
		c.AttentionDropout < 0 || c.AttentionDropout >= 1:
		return errors.Errorf("dropout rates must be in [0, 1): embd=%g, resid=%g, attention=%g",
			c.EmbeddingDropout, c.ResidualDropout, c.AttentionDropout)
	}
	switch c.HiddenActivation {
	case "gelu_pytorch_tanh", "gelu", "gelu_new":
	default:
		return errors.Errorf("unsupported hidden_activation %q", c.HiddenActivation)
	}
	return nil
}

// NumParams returns the number of parameters of the model (embeddings are tied with the output logits).
func (c *Config) NumParams() int {
	attn := c.HiddenSize*c.NumAttentionHeads*c.HeadDim*2 + c.HiddenSize*c.NumKeyValueHeads*c.HeadDim*2
	mlp := 3 * c.HiddenSize * c.IntermediateSize
	norms := 2 * c.HiddenSize
	return c.VocabSize*c.HiddenSize + c.NumHiddenLayers*(attn+mlp+norms) + c.HiddenSize
}

// ToMap returns the configuration as a generic map, using the config.json field names.
// It is used to store the model configuration in checkpoint metadata.
func (c *Config) ToMap() map[string]any {
	contents, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	var m map[string]any
	_ = json.Unmarshal(contents, &m)
	m["params_dtype"] = c.ParamsDType.String()
	m["compute_dtype"] = c.ComputeDType.String()
	return m
}
