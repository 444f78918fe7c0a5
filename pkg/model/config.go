// Package model implements an autoregressive decoder-only sequence model:
// token embeddings with sinusoidal positions, a stack of post-norm decoder
// layers with causal padding-aware self-attention, and a vocabulary
// classifier, together with sampling-based generation and checkpointing.
package model

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"decoderlm/pkg/tensor"
)

// Config holds the model hyperparameters. The JSON form is what LoadConfig
// reads and checkpoints embed.
type Config struct {
	// VocabSize is the number of token ids.
	VocabSize int `json:"vocab_size"`

	// DModel is the width of the residual stream; a multiple of NumHeads.
	DModel int `json:"dmodel"`

	// NumHeads is the number of attention heads per layer.
	NumHeads int `json:"nhead"`

	// DecoderLayers is the number of stacked decoder layers.
	DecoderLayers int `json:"decoder_layers"`

	// DimFeedForward is the hidden width of the feed-forward sublayer.
	DimFeedForward int `json:"dim_feedforward"`

	// Dropout is applied after each sublayer and inside the feed-forward
	// sublayer in training mode.
	Dropout float32 `json:"dropout"`

	// NumPositions is the longest sequence the positional encoder accepts.
	NumPositions int `json:"num_positions"`

	// NConditionalChannels is the width of the optional per-example
	// conditioning signal appended before each feed-forward sublayer.
	NConditionalChannels int `json:"n_conditional_channels"`

	Activation         string  `json:"activation"`
	PositionalEncoding string  `json:"positional_encoding"`
	LayerNormEps       float32 `json:"layer_norm_eps"`
}

// DefaultConfig returns a small model suitable for experiments.
func DefaultConfig() Config {
	return Config{
		VocabSize:            256,
		DModel:               256,
		NumHeads:             4,
		DecoderLayers:        4,
		DimFeedForward:       1024,
		Dropout:              0.1,
		NumPositions:         1024,
		NConditionalChannels: 0,
		Activation:           tensor.ActivationReLU,
		PositionalEncoding:   PositionalSinusoidal,
		LayerNormEps:         1e-5,
	}
}

// Validate checks if the configuration is valid and consistent.
// Every failure wraps ErrConfiguration.
func (c Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"vocab_size", c.VocabSize},
		{"dmodel", c.DModel},
		{"nhead", c.NumHeads},
		{"decoder_layers", c.DecoderLayers},
		{"dim_feedforward", c.DimFeedForward},
		{"num_positions", c.NumPositions},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrConfiguration, p.name, p.value)
		}
	}
	if c.DModel%c.NumHeads != 0 {
		return fmt.Errorf("%w: dmodel (%d) must be divisible by nhead (%d)",
			ErrConfiguration, c.DModel, c.NumHeads)
	}
	if c.NConditionalChannels < 0 {
		return fmt.Errorf("%w: n_conditional_channels must be non-negative, got %d",
			ErrConfiguration, c.NConditionalChannels)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("%w: dropout must be in [0, 1), got %v", ErrConfiguration, c.Dropout)
	}
	if c.LayerNormEps <= 0 {
		return fmt.Errorf("%w: layer_norm_eps must be positive, got %v", ErrConfiguration, c.LayerNormEps)
	}
	switch c.Activation {
	case "", tensor.ActivationReLU, tensor.ActivationGELU:
	default:
		return fmt.Errorf("%w: unknown activation %q", ErrConfiguration, c.Activation)
	}
	switch c.PositionalEncoding {
	case "", PositionalSinusoidal, PositionalLegacySine:
	default:
		return fmt.Errorf("%w: unknown positional encoding %q", ErrConfiguration, c.PositionalEncoding)
	}
	return nil
}

// HeadDimension returns the dimension per attention head.
func (c Config) HeadDimension() int {
	return c.DModel / c.NumHeads
}

// LoadConfig reads a JSON config file. Fields missing from the file keep
// their DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to read config %q", path)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse config %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.WithMessagef(err, "config %q", path)
	}
	return cfg, nil
}

// Save writes the config as indented JSON.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode config")
	}
	return errors.Wrapf(os.WriteFile(path, append(data, '\n'), 0o644), "failed to write config %q", path)
}
