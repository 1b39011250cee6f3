// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoint saves and restores the training state (model parameters, optimizer state and step)
// stored in a context.Context, along with the run metadata and the dataset state.
//
// Tensors are saved with GoMLX's checkpoints.Handler. Regular checkpoints overwrite the previous one,
// while milestone checkpoints are also linked into the "backup" sub-directory and kept forever.
package checkpoint

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gemmathon/Gemma-EasyLM/pkg/dataset"
	"github.com/gemmathon/Gemma-EasyLM/pkg/gemma"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LoadMode defines what is restored from a checkpoint given with -load_checkpoint.
type LoadMode int

const (
	// LoadNone starts from scratch.
	LoadNone LoadMode = iota

	// LoadTrainState restores the full training state: parameters, optimizer state and step.
	LoadTrainState

	// LoadTrainStateParams restores only the parameters of a full training state checkpoint.
	LoadTrainStateParams

	// LoadParams restores a parameters-only checkpoint (e.g. converted from HuggingFace).
	LoadParams
)

var loadModePrefixes = map[string]LoadMode{
	"trainstate":        LoadTrainState,
	"trainstate_params": LoadTrainStateParams,
	"params":            LoadParams,
}

func (m LoadMode) String() string {
	for prefix, mode := range loadModePrefixes {
		if mode == m {
			return prefix
		}
	}
	return "none"
}

// ParamsOnly returns whether the mode restores only the model parameters.
func (m LoadMode) ParamsOnly() bool {
	return m == LoadTrainStateParams || m == LoadParams
}

// ParseLoadSpec parses a checkpoint specification like "trainstate::/path/to/dir" or "params::/path/to/dir".
// An empty spec returns LoadNone.
func ParseLoadSpec(spec string) (mode LoadMode, dir string, err error) {
	if spec == "" {
		return LoadNone, "", nil
	}
	prefix, dir, found := strings.Cut(spec, "::")
	if !found || dir == "" {
		return LoadNone, "", errors.Errorf("invalid checkpoint %q, it must be formatted as <type>::<directory>, "+
			"with type one of \"trainstate\", \"trainstate_params\" or \"params\"", spec)
	}
	mode, found = loadModePrefixes[prefix]
	if !found {
		return LoadNone, "", errors.Errorf("invalid checkpoint type %q in %q", prefix, spec)
	}
	return mode, dir, nil
}

// IsModelVariable returns whether v is a model parameter, as opposed to optimizer state or step counters.
func IsModelVariable(v *context.Variable) bool {
	return strings.HasPrefix(v.Scope(), context.ScopeSeparator+gemma.ModelScope)
}

// LoadInto restores the checkpoint in dir into ctx, according to mode, and returns the restored step.
//
// For the params-only modes, only the model parameters are copied: the step is 0 and the optimizer state
// is left to be freshly initialized.
func LoadInto(ctx *context.Context, mode LoadMode, dir string) (step int64, err error) {
	if mode == LoadNone {
		return 0, nil
	}
	loaded := context.New()
	_, err = checkpoints.Load(loaded).Dir(dir).Immediate().ExcludeAllParams().Done()
	if err != nil {
		return 0, errors.WithMessagef(err, "loading checkpoint %s::%s", mode, dir)
	}
	ctx = ctx.Checked(false)
	var numCopied int
	for v := range loaded.IterVariables() {
		isModel := IsModelVariable(v)
		if mode.ParamsOnly() && !isModel {
			continue
		}
		value := v.MustValue()
		if existing := ctx.GetVariableByScopeAndName(v.Scope(), v.Name()); existing != nil {
			if !existing.Shape().Equal(value.Shape()) {
				return 0, errors.Errorf("checkpoint variable %q has shape %s, but the model expects %s",
					v.ScopeAndName(), value.Shape(), existing.Shape())
			}
			if err = existing.SetValue(value); err != nil {
				return 0, errors.WithMessagef(err, "setting value of %q", v.ScopeAndName())
			}
		} else {
			ctx.InAbsPath(v.Scope()).VariableWithValue(v.Name(), value).SetTrainable(isModel)
		}
		numCopied++
	}
	if numCopied == 0 {
		return 0, errors.Errorf("checkpoint %s::%s has no variables to restore", mode, dir)
	}
	if !mode.ParamsOnly() {
		step = optimizers.GetGlobalStep(ctx)
	}
	klog.Infof("restored %d variables from %s::%s (step %d)", numCopied, mode, dir, step)
	return step, nil
}

// Options for the Manager.
type Options struct {
	// Dir where checkpoints are saved. If it already holds checkpoints, the latest one is loaded.
	Dir string

	// SaveOptimizerState: if false, only model parameters and step counters are saved.
	SaveOptimizerState bool

	// Compression of the tensor files.
	Compression checkpoints.BinFormat

	// ExcludeParams lists context hyperparameters not to be restored from a previous checkpoint in Dir,
	// usually because they were explicitly set for this run.
	ExcludeParams []string
}

// Manager of the checkpoints of a training run.
type Manager struct {
	ctx           *context.Context
	options       Options
	handler       *checkpoints.Handler
	resumed       bool
	lastSavedStep int64
}

// NewManager creates the checkpoints directory (if needed) and loads the latest checkpoint in it, if any.
func NewManager(ctx *context.Context, options Options) (*Manager, error) {
	if options.Dir == "" {
		return nil, errors.New("checkpoint directory not set")
	}
	if err := os.MkdirAll(options.Dir, checkpoints.DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "failed to create checkpoint directory %q", options.Dir)
	}
	handler, err := checkpoints.Build(ctx).
		Dir(options.Dir).
		Keep(1).
		ExcludeParams(options.ExcludeParams...).
		WithCompression(options.Compression).
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "opening checkpoints in %q", options.Dir)
	}
	m := &Manager{ctx: ctx, options: options, handler: handler, lastSavedStep: -1}
	m.resumed, err = handler.HasCheckpoints()
	if err != nil {
		return nil, err
	}
	if m.resumed {
		m.lastSavedStep = optimizers.GetGlobalStep(ctx)
	}
	return m, nil
}

// Dir where checkpoints are saved.
func (m *Manager) Dir() string {
	return m.options.Dir
}

// Resumed returns whether the Manager loaded a previous checkpoint from its directory.
func (m *Manager) Resumed() bool {
	return m.resumed
}

// LastSavedStep returns the step of the last checkpoint saved (or loaded), or -1 if none.
func (m *Manager) LastSavedStep() int64 {
	return m.lastSavedStep
}

// Save a checkpoint of the current context, with its metadata and, if not nil, the dataset state.
//
// A milestone checkpoint is also linked into the backup directory, so it's never removed.
// It returns the checkpoint base name.
func (m *Manager) Save(metadata *Metadata, datasetState *dataset.State, milestone bool) (string, error) {
	if !m.options.SaveOptimizerState {
		for v := range m.ctx.IterVariables() {
			if !IsModelVariable(v) && v.Name() != optimizers.GlobalStepVariableName {
				m.handler.ExcludeVarsFromSaving(v)
			}
		}
	}
	if err := m.handler.Save(); err != nil {
		return "", err
	}
	baseName, err := m.Latest()
	if err != nil {
		return "", err
	}
	metadata.Milestone = milestone
	if err = WriteMetadata(m.options.Dir, baseName, metadata); err != nil {
		return "", err
	}
	if datasetState != nil {
		if err = dataset.SaveState(DatasetStatePath(m.options.Dir, baseName), *datasetState); err != nil {
			return "", err
		}
	}
	if milestone {
		if err = m.handler.Backup(); err != nil {
			return "", err
		}
	}
	if err = m.prune(); err != nil {
		return "", err
	}
	m.lastSavedStep = metadata.Step
	klog.V(1).Infof("saved checkpoint %q (step %d, milestone=%v)", baseName, metadata.Step, milestone)
	return baseName, nil
}

// prune removes metadata of checkpoints that were removed by the handler.
func (m *Manager) prune() error {
	keep := make(map[string]bool)
	current, err := m.handler.ListCheckpoints()
	if err != nil {
		return err
	}
	milestones, err := m.Milestones()
	if err != nil {
		return err
	}
	for _, baseName := range append(current, milestones...) {
		keep[baseName] = true
	}
	return pruneMetadata(m.options.Dir, keep)
}

// Latest returns the base name of the most recent checkpoint.
func (m *Manager) Latest() (string, error) {
	list, err := m.handler.ListCheckpoints()
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "", errors.Errorf("no checkpoints in %q", m.options.Dir)
	}
	return list[len(list)-1], nil
}

// Milestones returns the base names of the milestone checkpoints, oldest first.
func (m *Manager) Milestones() ([]string, error) {
	return ListMilestones(m.options.Dir)
}

// ListMilestones returns the base names of the milestone checkpoints in dir, oldest first.
func ListMilestones(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, checkpoints.BackupDir, "checkpoint-*"+checkpoints.JsonNameSuffix))
	if err != nil {
		return nil, errors.Wrapf(err, "listing milestones in %q", dir)
	}
	baseNames := make([]string, 0, len(matches))
	for _, match := range matches {
		baseNames = append(baseNames, strings.TrimSuffix(filepath.Base(match), checkpoints.JsonNameSuffix))
	}
	return baseNames, nil
}

// LatestMetadata returns the metadata of the most recent checkpoint.
func (m *Manager) LatestMetadata() (*Metadata, error) {
	baseName, err := m.Latest()
	if err != nil {
		return nil, err
	}
	return ReadMetadata(m.options.Dir, baseName)
}

// LatestDatasetState returns the dataset state saved with the most recent checkpoint, if any.
func (m *Manager) LatestDatasetState() (state dataset.State, found bool, err error) {
	baseName, err := m.Latest()
	if err != nil {
		return state, false, err
	}
	return ReadDatasetState(m.options.Dir, baseName)
}
