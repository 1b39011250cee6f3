// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Int32ByteLen is the size of each token in a token file.
const Int32ByteLen = 4

// TokenFileDataset reads a file of pre-tokenized little-endian int32 tokens.
//
// Consecutive windows of batch_size*seq_len+1 tokens are yielded, with the targets shifted by one.
// When the end of the file is reached, it wraps around to the start and the epoch is incremented.
type TokenFileDataset struct {
	config Config
	data   []int32
	state  State
	stats  *throughput
}

// Compile-time check.
var _ Dataset = (*TokenFileDataset)(nil)

// NewTokenFileDataset reads the whole token file in config.Path.
func NewTokenFileDataset(config Config) (*TokenFileDataset, error) {
	f, err := os.Open(config.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open token file")
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat token file %q", config.Path)
	}
	numTokens := int(info.Size() / Int32ByteLen)
	if numTokens < config.BatchSize*config.SeqLength+1 {
		return nil, errors.Errorf("token file %q has %d tokens, too small for batch_size=%d and seq_length=%d",
			config.Path, numTokens, config.BatchSize, config.SeqLength)
	}
	ds := &TokenFileDataset{
		config: config,
		data:   make([]int32, numTokens),
		state:  State{Type: TypeTokenFile, Path: config.Path},
		stats:  newThroughput(config.ThroughputAverageWindowSize),
	}
	if err = binary.Read(f, binary.LittleEndian, ds.data); err != nil {
		return nil, errors.Wrapf(err, "failed to read token file %q", config.Path)
	}
	return ds, nil
}

// WriteTokenFile writes tokens in the format read by TokenFileDataset.
func WriteTokenFile(path string, tokens []int32) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create token file")
	}
	if err = binary.Write(f, binary.LittleEndian, tokens); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write token file %q", path)
	}
	return f.Close()
}

// Name implements train.Dataset.
func (ds *TokenFileDataset) Name() string {
	return filepath.Base(ds.config.Path)
}

// Reset implements train.Dataset.
func (ds *TokenFileDataset) Reset() {
	ds.state = State{Type: TypeTokenFile, Path: ds.config.Path}
}

// Yield implements train.Dataset.
func (ds *TokenFileDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	return yieldBatch(ds)
}

// State implements Dataset. The position in the file (in tokens) is stored in Seek.
func (ds *TokenFileDataset) State() State {
	return ds.state
}

// LoadState implements Dataset.
func (ds *TokenFileDataset) LoadState(state State) error {
	if state.Type != "" && state.Type != TypeTokenFile {
		return errors.Errorf("dataset state of type %q cannot be loaded into a %q dataset", state.Type, TypeTokenFile)
	}
	if state.Seek < 0 || state.Seek >= int64(len(ds.data)) {
		return errors.Errorf("dataset state position %d out of range for %q with %d tokens",
			state.Seek, ds.config.Path, len(ds.data))
	}
	state.Type = TypeTokenFile
	state.Path = ds.config.Path
	state.Buffer, state.BufferLossMasks = nil, nil
	ds.state = state
	return nil
}

// Close implements Dataset.
func (ds *TokenFileDataset) Close() error {
	return nil
}

// NextBatch implements Dataset.
func (ds *TokenFileDataset) NextBatch() (*Batch, *BatchInfo, error) {
	batchSize, seqLen := ds.config.BatchSize, ds.config.SeqLength
	chunkSize := int64(batchSize * seqLen)
	if ds.state.Seek+chunkSize+1 > int64(len(ds.data)) {
		ds.state.Seek = 0
		ds.state.Epoch++
	}
	position := ds.state.Seek
	batch := &Batch{
		InputTokens:  make([][]int32, batchSize),
		TargetTokens: make([][]int32, batchSize),
		LossMasks:    make([][]float32, batchSize),
	}
	for row := range batchSize {
		start := position + int64(row*seqLen)
		batch.InputTokens[row] = append([]int32(nil), ds.data[start:start+int64(seqLen)]...)
		batch.TargetTokens[row] = append([]int32(nil), ds.data[start+1:start+int64(seqLen)+1]...)
		masks := make([]float32, seqLen)
		for ii := range masks {
			masks[ii] = 1
		}
		batch.LossMasks[row] = masks
	}
	ds.state.Seek = position + chunkSize
	ds.state.ExampleIndex += int64(batchSize)
	ds.state.TokensSeen += chunkSize

	accumulated, average := ds.stats.update(chunkSize, ds.state.TokensSeen)
	info := &BatchInfo{
		Metrics: map[string]float64{
			"dataset_example_index":   float64(ds.state.ExampleIndex),
			"dataset_total_tokens":    float64(ds.state.TokensSeen),
			"dataset_epoch":           float64(ds.state.Epoch),
			"dataset_accumulated_tps": accumulated,
			"dataset_average_tps":     average,
		},
		State: ds.State(),
	}
	return batch, info, nil
}
