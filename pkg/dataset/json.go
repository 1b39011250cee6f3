// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// JSONDataset reads a JSON-lines file of examples, tokenizes them with a TextProcessor and packs the
// tokens into batches of sequences, without padding: sequences may span example boundaries.
//
// It loops over the file forever, incrementing the epoch each time the end of file is reached.
type JSONDataset struct {
	config    Config
	processor *TextProcessor
	file      *os.File
	reader    *bufio.Reader
	state     State
	stats     *throughput
}

// Compile-time check.
var _ Dataset = (*JSONDataset)(nil)

// NewJSONDataset opens the JSON-lines file in config.Path.
func NewJSONDataset(config Config, processor *TextProcessor) (*JSONDataset, error) {
	f, err := os.Open(config.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open JSON dataset")
	}
	ds := &JSONDataset{
		config:    config,
		processor: processor,
		file:      f,
		state:     State{Type: TypeJSON, Path: config.Path},
		stats:     newThroughput(config.ThroughputAverageWindowSize),
	}
	ds.reader = bufio.NewReader(f)
	return ds, nil
}

// Name implements train.Dataset.
func (ds *JSONDataset) Name() string {
	return filepath.Base(ds.config.Path)
}

// Reset implements train.Dataset: it restarts from the beginning of the file.
func (ds *JSONDataset) Reset() {
	if err := ds.LoadState(State{Type: TypeJSON, Path: ds.config.Path}); err != nil {
		klog.Errorf("failed to reset dataset %q: %+v", ds.Name(), err)
	}
}

// Yield implements train.Dataset.
func (ds *JSONDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	return yieldBatch(ds)
}

// State implements Dataset.
func (ds *JSONDataset) State() State {
	state := ds.state
	state.Buffer = slices.Clone(state.Buffer)
	state.BufferLossMasks = slices.Clone(state.BufferLossMasks)
	return state
}

// LoadState implements Dataset.
func (ds *JSONDataset) LoadState(state State) error {
	if state.Type != "" && state.Type != TypeJSON {
		return errors.Errorf("dataset state of type %q cannot be loaded into a %q dataset", state.Type, TypeJSON)
	}
	if len(state.Buffer) != len(state.BufferLossMasks) {
		return errors.Errorf("invalid dataset state: buffer has %d tokens but %d loss masks",
			len(state.Buffer), len(state.BufferLossMasks))
	}
	if _, err := ds.file.Seek(state.Seek, io.SeekStart); err != nil {
		return errors.Wrapf(err, "failed to seek dataset %q to %d", ds.config.Path, state.Seek)
	}
	ds.reader.Reset(ds.file)
	state.Type = TypeJSON
	state.Path = ds.config.Path
	ds.state = state
	ds.state.Buffer = slices.Clone(state.Buffer)
	ds.state.BufferLossMasks = slices.Clone(state.BufferLossMasks)
	return nil
}

// Close implements Dataset.
func (ds *JSONDataset) Close() error {
	return ds.file.Close()
}

// readExample reads the next line with a valid example, looping to the start of the file at the end.
func (ds *JSONDataset) readExample() (tokens []int32, lossMasks []float32, err error) {
	restarts := 0
	for {
		line, err := ds.reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, nil, errors.Wrapf(err, "failed to read dataset %q", ds.config.Path)
		}
		ds.state.Seek += int64(len(line))
		if len(line) == 0 && err == io.EOF {
			restarts++
			if restarts > 1 {
				return nil, nil, errors.Errorf("dataset %q has no valid examples", ds.config.Path)
			}
			ds.state.Epoch++
			ds.state.Seek = 0
			if _, err := ds.file.Seek(0, io.SeekStart); err != nil {
				return nil, nil, errors.Wrapf(err, "failed to rewind dataset %q", ds.config.Path)
			}
			ds.reader.Reset(ds.file)
			continue
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var example map[string]any
		if jsonErr := json.Unmarshal(line, &example); jsonErr != nil {
			klog.Warningf("dataset %q: skipping invalid JSON example at offset %d: %v", ds.config.Path, ds.state.Seek, jsonErr)
			continue
		}
		tokens, lossMasks, err = ds.processor.Process(example)
		if err != nil {
			klog.Warningf("dataset %q: skipping example at offset %d: %v", ds.config.Path, ds.state.Seek, err)
			continue
		}
		ds.state.ExampleIndex++
		return tokens, lossMasks, nil
	}
}

// NextBatch implements Dataset.
func (ds *JSONDataset) NextBatch() (*Batch, *BatchInfo, error) {
	batchSize, seqLen := ds.config.BatchSize, ds.config.SeqLength
	chunkSize := batchSize * seqLen
	for len(ds.state.Buffer) < chunkSize+1 {
		tokens, lossMasks, err := ds.readExample()
		if err != nil {
			return nil, nil, err
		}
		ds.state.Buffer = append(ds.state.Buffer, tokens...)
		ds.state.BufferLossMasks = append(ds.state.BufferLossMasks, lossMasks...)
	}

	tokens := ds.state.Buffer[:chunkSize+1]
	lossMasks := ds.state.BufferLossMasks[:chunkSize+1]
	batch := &Batch{
		InputTokens:  make([][]int32, batchSize),
		TargetTokens: make([][]int32, batchSize),
		LossMasks:    make([][]float32, batchSize),
	}
	for row := range batchSize {
		start := row * seqLen
		batch.InputTokens[row] = slices.Clone(tokens[start : start+seqLen])
		batch.TargetTokens[row] = slices.Clone(tokens[start+1 : start+seqLen+1])
		batch.LossMasks[row] = slices.Clone(lossMasks[start+1 : start+seqLen+1])
	}
	// The last token of the chunk is only a target: it's kept as the first input of the next batch.
	ds.state.Buffer = slices.Clone(ds.state.Buffer[chunkSize:])
	ds.state.BufferLossMasks = slices.Clone(ds.state.BufferLossMasks[chunkSize:])
	ds.state.TokensSeen += int64(chunkSize)

	accumulated, average := ds.stats.update(int64(chunkSize), ds.state.TokensSeen)
	info := &BatchInfo{
		Metrics: map[string]float64{
			"dataset_file_loc":        float64(ds.state.Seek),
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
