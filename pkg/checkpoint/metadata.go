// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/gemmathon/Gemma-EasyLM/pkg/dataset"
	"github.com/pkg/errors"
)

const (
	// MetadataDir is the sub-directory of the checkpoints directory holding the metadata and dataset state
	// of each checkpoint.
	MetadataDir = "metadata"

	// MetadataSuffix is appended to the checkpoint base name for its metadata file.
	MetadataSuffix = ".json"

	// DatasetStateSuffix is appended to the checkpoint base name for its dataset state file.
	DatasetStateSuffix = ".dataset.json"
)

// Metadata saved alongside each checkpoint.
type Metadata struct {
	Step int64 `json:"step"`

	// Variant holds the flags explicitly set for the run, Flags all of them.
	Variant map[string]any `json:"variant"`
	Flags   map[string]any `json:"flags"`

	// ModelConfig is the configuration of the model trained.
	ModelConfig map[string]any `json:"model_config"`

	Milestone    bool   `json:"milestone,omitempty"`
	ExperimentID string `json:"experiment_id,omitempty"`
}

// MetadataPath returns the path of the metadata of the checkpoint baseName in dir.
func MetadataPath(dir, baseName string) string {
	return filepath.Join(dir, MetadataDir, baseName+MetadataSuffix)
}

// DatasetStatePath returns the path of the dataset state of the checkpoint baseName in dir.
func DatasetStatePath(dir, baseName string) string {
	return filepath.Join(dir, MetadataDir, baseName+DatasetStateSuffix)
}

// WriteMetadata of the checkpoint baseName in dir.
func WriteMetadata(dir, baseName string, metadata *Metadata) error {
	metadataDir := filepath.Join(dir, MetadataDir)
	if err := os.MkdirAll(metadataDir, 0770); err != nil {
		return errors.Wrapf(err, "failed to create metadata directory %q", metadataDir)
	}
	contents, err := json.MarshalIndent(metadata, "", "\t")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize metadata of checkpoint %q", baseName)
	}
	path := MetadataPath(dir, baseName)
	if err = os.WriteFile(path, contents, 0644); err != nil {
		return errors.Wrapf(err, "failed to write checkpoint metadata to %q", path)
	}
	return nil
}

// ReadMetadata of the checkpoint baseName in dir.
func ReadMetadata(dir, baseName string) (*Metadata, error) {
	path := MetadataPath(dir, baseName)
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read checkpoint metadata")
	}
	metadata := &Metadata{}
	if err = json.Unmarshal(contents, metadata); err != nil {
		return nil, errors.Wrapf(err, "failed to parse checkpoint metadata in %q", path)
	}
	return metadata, nil
}

// ReadDatasetState of the checkpoint baseName in dir. It returns found=false if the checkpoint has no
// dataset state saved.
func ReadDatasetState(dir, baseName string) (state dataset.State, found bool, err error) {
	path := DatasetStatePath(dir, baseName)
	if _, err = os.Stat(path); os.IsNotExist(err) {
		return state, false, nil
	}
	state, err = dataset.LoadStateFile(path)
	return state, err == nil, err
}

// pruneMetadata removes the metadata files of checkpoints that no longer exist.
func pruneMetadata(dir string, keep map[string]bool) error {
	entries, err := os.ReadDir(filepath.Join(dir, MetadataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to list metadata in %q", dir)
	}
	for _, entry := range entries {
		name := entry.Name()
		baseName := strings.TrimSuffix(strings.TrimSuffix(name, DatasetStateSuffix), MetadataSuffix)
		if keep[baseName] {
			continue
		}
		if err = os.Remove(filepath.Join(dir, MetadataDir, name)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove stale metadata %q", name)
		}
	}
	return nil
}
