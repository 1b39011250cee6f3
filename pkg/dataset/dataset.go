// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset provides the token datasets used to train causal language models.
//
// Each dataset yields fixed-shape batches of:
//
//   - inputs: [input_tokens (int32[batch, seq_len]), loss_masks (float32[batch, seq_len])]
//   - labels: [target_tokens (int32[batch, seq_len])]
//
// where target_tokens are the input tokens shifted by one position. Datasets are infinite:
// they loop over their source files, counting epochs.
//
// Datasets can be resumed: State returns a JSON-serializable snapshot of the position in the source,
// and LoadState restores it. Each yielded batch also carries, as its spec (a *BatchInfo), the snapshot and metrics
// taken right after the batch was read, so the state of the last batch consumed is known even if
// batches are read ahead.
package dataset

import (
	"encoding/json"
	"os"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// Types of datasets.
const (
	TypeJSON      = "json"
	TypeTokenFile = "tokens"
)

// Config of a dataset.
type Config struct {
	// Type is either TypeJSON (JSON-lines text, tokenized on the fly) or TypeTokenFile (pre-tokenized
	// little-endian int32 tokens).
	Type string `yaml:"type"`
	Path string `yaml:"path"`

	SeqLength int `yaml:"seq_length"`
	BatchSize int `yaml:"batch_size"`

	// ThroughputAverageWindowSize is the number of batches used to compute dataset_average_tps.
	ThroughputAverageWindowSize int `yaml:"throughput_average_window_size"`

	TextProcessor TextProcessorConfig `yaml:"text_processor"`
}

// DefaultConfig returns the default configuration for a JSON-lines dataset.
func DefaultConfig() Config {
	return Config{
		Type:                        TypeJSON,
		SeqLength:                   1024,
		BatchSize:                   8,
		ThroughputAverageWindowSize: 1,
		TextProcessor:               DefaultTextProcessorConfig(),
	}
}

// Validate the configuration.
func (c Config) Validate() error {
	if c.Path == "" {
		return errors.New("dataset path not set")
	}
	if c.SeqLength <= 0 || c.BatchSize <= 0 {
		return errors.Errorf("dataset seq_length (%d) and batch_size (%d) must be positive", c.SeqLength, c.BatchSize)
	}
	switch c.Type {
	case TypeJSON, TypeTokenFile:
	default:
		return errors.Errorf("unknown dataset type %q, valid values are %q and %q", c.Type, TypeJSON, TypeTokenFile)
	}
	return nil
}

// State is the resumable position of a dataset.
type State struct {
	Type         string `json:"type"`
	Path         string `json:"path"`
	Seek         int64  `json:"seek"`
	ExampleIndex int64  `json:"example_index"`
	TokensSeen   int64  `json:"tokens_seen"`
	Epoch        int    `json:"epoch"`

	// Buffer holds the tokens (and their loss masks) already read from the source but not yet yielded.
	Buffer          []int32   `json:"buffer,omitempty"`
	BufferLossMasks []float32 `json:"buffer_loss_masks,omitempty"`
}

// Batch of tokens, host side.
type Batch struct {
	InputTokens  [][]int32
	TargetTokens [][]int32
	LossMasks    [][]float32
}

// BatchInfo is returned as the spec of each yielded batch.
type BatchInfo struct {
	// Metrics of the dataset after the batch: dataset_example_index, dataset_total_tokens, dataset_epoch,
	// dataset_accumulated_tps, dataset_average_tps (and dataset_file_loc for JSON datasets).
	Metrics map[string]float64

	// State after the batch: loading it resumes right after this batch.
	State State
}

// Dataset is a resumable infinite token dataset.
type Dataset interface {
	train.Dataset

	// NextBatch returns the next batch of tokens and the dataset information after it.
	NextBatch() (*Batch, *BatchInfo, error)

	// State returns the current position of the dataset.
	State() State

	// LoadState restores a position returned by State.
	LoadState(state State) error

	// Close releases the underlying files.
	Close() error
}

// New creates the dataset described by config. The tokenizer, bos and eos are only used by JSON datasets.
func New(config Config, tokenizer Tokenizer, bos, eos int) (Dataset, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	switch config.Type {
	case TypeTokenFile:
		return NewTokenFileDataset(config)
	default:
		processor, err := NewTextProcessor(config.TextProcessor, tokenizer, bos, eos)
		if err != nil {
			return nil, err
		}
		return NewJSONDataset(config, processor)
	}
}

// yieldBatch converts a batch to the inputs and labels tensors of train.Dataset.
func yieldBatch(ds Dataset) (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	batch, info, err := ds.NextBatch()
	if err != nil {
		return nil, nil, nil, err
	}
	inputs = []*tensors.Tensor{tensors.FromValue(batch.InputTokens), tensors.FromValue(batch.LossMasks)}
	labels = []*tensors.Tensor{tensors.FromValue(batch.TargetTokens)}
	return info, inputs, labels, nil
}

// SaveState writes the dataset state as JSON to path.
func SaveState(path string, state State) error {
	contents, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize dataset state")
	}
	if err = os.WriteFile(path, contents, 0644); err != nil {
		return errors.Wrapf(err, "failed to write dataset state to %q", path)
	}
	return nil
}

// LoadStateFile reads a dataset state saved with SaveState.
func LoadStateFile(path string) (State, error) {
	var state State
	contents, err := os.ReadFile(path)
	if err != nil {
		return state, errors.Wrapf(err, "failed to read dataset state from %q", path)
	}
	if err = json.Unmarshal(contents, &state); err != nil {
		return state, errors.Wrapf(err, "failed to parse dataset state in %q", path)
	}
	return state, nil
}

// throughput measures tokens per second since the start, and over a window of the last batches.
type throughput struct {
	start      time.Time
	windowSize int
	times      []time.Time
	tokens     []int64
}

func newThroughput(windowSize int) *throughput {
	return &throughput{start: time.Now(), windowSize: max(windowSize, 1)}
}

// update registers a new batch and returns the accumulated and window average tokens per second.
func (t *throughput) update(batchTokens, totalTokens int64) (accumulated, average float64) {
	now := time.Now()
	t.times = append(t.times, now)
	t.tokens = append(t.tokens, batchTokens)
	if len(t.times) > t.windowSize+1 {
		t.times = t.times[1:]
		t.tokens = t.tokens[1:]
	}
	if elapsed := now.Sub(t.start).Seconds(); elapsed > 0 {
		accumulated = float64(totalTokens) / elapsed
	}
	if len(t.times) > 1 {
		var windowTokens int64
		for _, n := range t.tokens[1:] {
			windowTokens += n
		}
		if elapsed := now.Sub(t.times[0]).Seconds(); elapsed > 0 {
			average = float64(windowTokens) / elapsed
		}
	} else {
		average = accumulated
	}
	return
}
