// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the configuration of a training run.
//
// A Config is built once at startup, from the command-line flags and an optional YAML file, and then passed
// explicitly to the components that need it. It's never modified afterward.
package config

import (
	"flag"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/gemmathon/Gemma-EasyLM/pkg/dataset"
	"github.com/gemmathon/Gemma-EasyLM/pkg/gemma"
	"github.com/gemmathon/Gemma-EasyLM/pkg/paramtree"
	"github.com/gemmathon/Gemma-EasyLM/ui/commandline"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// Trainable selects the model parameters updated during training. See paramtree.ParseSelector.
type Trainable struct {
	Mode string `yaml:"mode"`
	Spec string `yaml:"spec"`
}

// Optimizer configuration. It's translated to GoMLX context hyperparameters by Config.ApplyToContext.
type Optimizer struct {
	// Type is one of optimizers.KnownOptimizers, e.g. "adamw".
	Type            string  `yaml:"type"`
	LearningRate    float64 `yaml:"learning_rate"`
	WeightDecay     float64 `yaml:"weight_decay"`
	Beta1           float64 `yaml:"beta1"`
	Beta2           float64 `yaml:"beta2"`
	Epsilon         float64 `yaml:"epsilon"`
	ClipStepByValue float64 `yaml:"clip_step_by_value"`

	// CosineScheduleSteps enables the cosine learning rate schedule if != 0. If < 0 the period is
	// the total number of steps.
	CosineScheduleSteps int     `yaml:"cosine_schedule_steps"`
	WarmupSteps         int     `yaml:"warmup_steps"`
	MinLearningRate     float64 `yaml:"min_learning_rate"`
}

// Checkpointer configuration.
type Checkpointer struct {
	SaveOptimizerState bool `yaml:"save_optimizer_state"`

	// Compression of the tensor files: "gzip" or "uncompressed".
	Compression string `yaml:"compression"`
}

// Logger configuration: checkpoints and metrics of a run are saved under OutputDir/ExperimentID.
type Logger struct {
	OutputDir string `yaml:"output_dir"`

	// ExperimentID defaults to a random UUID, so a new run doesn't resume a previous one.
	ExperimentID string `yaml:"experiment_id"`

	// PrefixToStdout is prepended to the metrics echoed to the console.
	PrefixToStdout string `yaml:"prefix_to_stdout"`
}

// Model configuration.
type Model struct {
	// Name of a gemma.Presets entry, or path to a HuggingFace config.json.
	Name string `yaml:"name"`

	// Update is a JSON object with fields that override the model configuration, e.g. '{"resid_pdrop": 0.05}'.
	Update string `yaml:"update"`
}

// Config of a training run.
type Config struct {
	Seed     int64  `yaml:"seed"`
	MeshDims string `yaml:"mesh_dim"`

	// DType of the activations: "bf16", "fp16" or "fp32". Parameters are always kept in float32.
	DType string `yaml:"dtype"`

	TotalSteps       int    `yaml:"total_steps"`
	LoadCheckpoint   string `yaml:"load_checkpoint"`
	LoadDatasetState string `yaml:"load_dataset_state"`

	LogFreq           int  `yaml:"log_freq"`
	SaveModelFreq     int  `yaml:"save_model_freq"`
	SaveMilestoneFreq int  `yaml:"save_milestone_freq"`
	EvalSteps         int  `yaml:"eval_steps"`
	LogAllWorker      bool `yaml:"log_all_worker"`

	Trainable    Trainable      `yaml:"trainable"`
	TrainDataset dataset.Config `yaml:"train_dataset"`
	EvalDataset  dataset.Config `yaml:"eval_dataset"`

	// Tokenizer is the HuggingFace repository id whose tokenizer is used by JSON datasets.
	Tokenizer string `yaml:"tokenizer"`

	Optimizer    Optimizer    `yaml:"optimizer"`
	Checkpointer Checkpointer `yaml:"checkpointer"`
	Logger       Logger       `yaml:"logger"`
	Model        Model        `yaml:"model"`

	// ContextSettings for GoMLX hyperparameters not covered above, see commandline.ParseContextSettings.
	ContextSettings string `yaml:"set"`

	// ConfigFile is the YAML file the configuration was read from, if any.
	ConfigFile string `yaml:"-"`

	variant, flags map[string]any
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Seed:       42,
		MeshDims:   "1,-1,1",
		DType:      "bf16",
		TotalSteps: 10000,
		LogFreq:    50,
		Trainable: Trainable{
			Mode: paramtree.ModeSubstring,
		},
		TrainDataset: dataset.DefaultConfig(),
		EvalDataset:  dataset.DefaultConfig(),
		Tokenizer:    "google/gemma-2b",
		Optimizer: Optimizer{
			Type:         "adamw",
			LearningRate: 1e-4,
			WeightDecay:  0.0,
			Beta1:        0.9,
			Beta2:        0.999,
			Epsilon:      1e-8,
		},
		Checkpointer: Checkpointer{
			SaveOptimizerState: true,
			Compression:        checkpoints.BinGZIP.String(),
		},
		Logger: Logger{
			OutputDir: "~/work/gemmapro",
		},
		Model: Model{
			Name: gemma.DefaultPreset,
		},
	}
}

// register the flags of the configuration in fs, pointing to the fields of c.
func register(fs *flag.FlagSet, c *Config) {
	fs.Int64Var(&c.Seed, "seed", c.Seed, "Seed for the parameters initialization and dropout.")
	fs.StringVar(&c.MeshDims, "mesh_dim", c.MeshDims,
		"Comma-separated dimensions of the (dp, fsdp, mp) device mesh. One of them can be -1, taking the remaining devices.")
	fs.StringVar(&c.DType, "dtype", c.DType, "DType of the activations: bf16, fp16 or fp32.")
	fs.IntVar(&c.TotalSteps, "total_steps", c.TotalSteps, "Train until the global step reaches this value.")
	fs.StringVar(&c.LoadCheckpoint, "load_checkpoint", c.LoadCheckpoint,
		"Checkpoint to start from: trainstate::<dir>, trainstate_params::<dir> or params::<dir>. "+
			"Ignored if the run's output directory already has checkpoints.")
	fs.StringVar(&c.LoadDatasetState, "load_dataset_state", c.LoadDatasetState,
		"JSON file with the training dataset state to resume from.")
	fs.IntVar(&c.LogFreq, "log_freq", c.LogFreq, "Evaluate and log metrics every log_freq steps.")
	fs.IntVar(&c.SaveModelFreq, "save_model_freq", c.SaveModelFreq,
		"If > 0, save a checkpoint (overwriting the previous one) every save_model_freq steps and at the end.")
	fs.IntVar(&c.SaveMilestoneFreq, "save_milestone_freq", c.SaveMilestoneFreq,
		"If > 0, save a milestone checkpoint (never removed) every save_milestone_freq steps.")
	fs.IntVar(&c.EvalSteps, "eval_steps", c.EvalSteps, "Number of eval batches run every log_freq steps.")
	fs.BoolVar(&c.LogAllWorker, "log_all_worker", c.LogAllWorker, "Log metrics from every worker process.")

	fs.StringVar(&c.Trainable.Mode, "trainable_mode", c.Trainable.Mode,
		fmt.Sprintf("How -trainable selects the trained parameters: %q, %q or %q.",
			paramtree.ModeSubstring, paramtree.ModeLayers, paramtree.ModeRegexp))
	fs.StringVar(&c.Trainable.Spec, "trainable", c.Trainable.Spec,
		"Comma-separated substrings, layer indices or regular expressions selecting the trained parameters. "+
			"Empty for the default block-expanded layers.")

	registerDataset(fs, "train_dataset", &c.TrainDataset)
	registerDataset(fs, "eval_dataset", &c.EvalDataset)
	fs.StringVar(&c.Tokenizer, "tokenizer", c.Tokenizer, "HuggingFace repository with the tokenizer for JSON datasets.")

	fs.StringVar(&c.Optimizer.Type, "optimizer.type", c.Optimizer.Type,
		fmt.Sprintf("Optimizer, one of %q.", slices.Sorted(maps.Keys(optimizers.KnownOptimizers))))
	fs.Float64Var(&c.Optimizer.LearningRate, "optimizer.learning_rate", c.Optimizer.LearningRate, "Peak learning rate.")
	fs.Float64Var(&c.Optimizer.WeightDecay, "optimizer.weight_decay", c.Optimizer.WeightDecay, "Weight decay.")
	fs.Float64Var(&c.Optimizer.Beta1, "optimizer.beta1", c.Optimizer.Beta1, "Adam beta1.")
	fs.Float64Var(&c.Optimizer.Beta2, "optimizer.beta2", c.Optimizer.Beta2, "Adam beta2.")
	fs.Float64Var(&c.Optimizer.Epsilon, "optimizer.epsilon", c.Optimizer.Epsilon, "Adam epsilon.")
	fs.Float64Var(&c.Optimizer.ClipStepByValue, "optimizer.clip_step_by_value", c.Optimizer.ClipStepByValue,
		"If > 0, clip each update step to this absolute value.")
	fs.IntVar(&c.Optimizer.CosineScheduleSteps, "optimizer.cosine_schedule_steps", c.Optimizer.CosineScheduleSteps,
		"If != 0, use a cosine learning rate schedule with this period. If < 0 the period is total_steps.")
	fs.IntVar(&c.Optimizer.WarmupSteps, "optimizer.warmup_steps", c.Optimizer.WarmupSteps,
		"Linear warm-up steps of the cosine schedule.")
	fs.Float64Var(&c.Optimizer.MinLearningRate, "optimizer.min_learning_rate", c.Optimizer.MinLearningRate,
		"Minimum learning rate of the cosine schedule.")

	fs.BoolVar(&c.Checkpointer.SaveOptimizerState, "checkpointer.save_optimizer_state",
		c.Checkpointer.SaveOptimizerState, "Save the optimizer state in checkpoints.")
	fs.StringVar(&c.Checkpointer.Compression, "checkpointer.compression", c.Checkpointer.Compression,
		"Compression of the checkpoint tensors: gzip or uncompressed.")

	fs.StringVar(&c.Logger.OutputDir, "logger.output_dir", c.Logger.OutputDir, "Base directory of the runs.")
	fs.StringVar(&c.Logger.ExperimentID, "logger.experiment_id", c.Logger.ExperimentID,
		"Name of the run: its checkpoints and metrics are saved in output_dir/experiment_id. "+
			"Reusing it resumes the run. Defaults to a random UUID.")
	fs.StringVar(&c.Logger.PrefixToStdout, "logger.prefix_to_stdout", c.Logger.PrefixToStdout,
		"Prefix of the metrics printed to the console.")

	fs.StringVar(&c.Model.Name, "model.name", c.Model.Name,
		fmt.Sprintf("Model preset (one of %q) or path to a HuggingFace config.json.",
			slices.Sorted(maps.Keys(gemma.Presets))))
	fs.StringVar(&c.Model.Update, "model.update", c.Model.Update,
		"JSON object overriding fields of the model configuration.")

	fs.StringVar(&c.ContextSettings, "set", c.ContextSettings,
		"Other GoMLX hyperparameters, formatted as \"param1=value1;param2=value2\".")
}

func registerDataset(fs *flag.FlagSet, prefix string, c *dataset.Config) {
	name := func(field string) string { return prefix + "." + field }
	fs.StringVar(&c.Type, name("type"), c.Type,
		fmt.Sprintf("Dataset type: %q or %q.", dataset.TypeJSON, dataset.TypeTokenFile))
	fs.StringVar(&c.Path, name("path"), c.Path, "Path to the dataset file.")
	fs.IntVar(&c.SeqLength, name("seq_length"), c.SeqLength, "Sequence length.")
	fs.IntVar(&c.BatchSize, name("batch_size"), c.BatchSize, "Batch size.")
	fs.IntVar(&c.ThroughputAverageWindowSize, name("throughput_average_window_size"),
		c.ThroughputAverageWindowSize, "Number of batches averaged in dataset_average_tps.")
	tp := &c.TextProcessor
	fs.StringVar(&tp.Fields, name("text_processor.fields"), tp.Fields,
		"Comma-separated fields of JSON examples to train on. Fields in [brackets] get no loss.")
	fs.StringVar(&tp.FieldsFromExample, name("text_processor.fields_from_example"), tp.FieldsFromExample,
		"Example field holding the fields list.")
	fs.StringVar(&tp.SubfieldSeparator, name("text_processor.subfield_separator"), tp.SubfieldSeparator,
		"Separator of fields joined with '+'.")
	fs.BoolVar(&tp.AddBOSToken, name("text_processor.add_bos_token"), tp.AddBOSToken, "Prepend the BOS token.")
	fs.BoolVar(&tp.AddEOSToken, name("text_processor.add_eos_token"), tp.AddEOSToken, "Append the EOS token.")
	fs.StringVar(&tp.PrependText, name("text_processor.prepend_text"), tp.PrependText,
		"Text prepended to the first field.")
}

// FromFlags defines the configuration flags in fs, parses args and returns the configuration.
//
// If -config=<file.yaml> is given, the file provides the values of the flags not explicitly set in args.
// If no experiment id is configured, a random one is generated.
func FromFlags(fs *flag.FlagSet, args []string) (Config, error) {
	c := Default()
	register(fs, &c)
	fs.StringVar(&c.ConfigFile, "config", "", "YAML file with the run configuration. Explicit flags override it.")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	if c.ConfigFile != "" {
		fromFile, err := LoadFile(c.ConfigFile)
		if err != nil {
			return Config{}, err
		}
		fileFlags := flag.NewFlagSet("config", flag.ContinueOnError)
		register(fileFlags, &fromFile)
		var setErr error
		fs.Visit(func(f *flag.Flag) {
			if setErr == nil && fileFlags.Lookup(f.Name) != nil {
				setErr = fileFlags.Set(f.Name, f.Value.String())
			}
		})
		if setErr != nil {
			return Config{}, setErr
		}
		fromFile.ConfigFile = c.ConfigFile
		c = fromFile
	}
	if c.Logger.ExperimentID == "" {
		c.Logger.ExperimentID = uuid.NewString()
	}
	c.collectFlags(explicit)
	return c, c.Validate()
}

// LoadFile reads a YAML configuration file: fields missing in the file take their default values.
func LoadFile(path string) (Config, error) {
	c := Default()
	path = fsutil.MustReplaceTildeInDir(path)
	contents, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Wrapf(err, "failed to read configuration file %q", path)
	}
	if err = yaml.Unmarshal(contents, &c); err != nil {
		return c, errors.Wrapf(err, "failed to parse configuration file %q", path)
	}
	return c, nil
}

// collectFlags records the value of every flag, and which ones differ from the defaults or were explicitly set.
func (c *Config) collectFlags(explicit map[string]bool) {
	defaults := Default()
	defaultFlags := flag.NewFlagSet("defaults", flag.ContinueOnError)
	register(defaultFlags, &defaults)
	current := *c
	currentFlags := flag.NewFlagSet("current", flag.ContinueOnError)
	register(currentFlags, &current)

	c.flags = make(map[string]any)
	c.variant = make(map[string]any)
	currentFlags.VisitAll(func(f *flag.Flag) {
		value := f.Value.(flag.Getter).Get()
		c.flags[f.Name] = value
		if explicit[f.Name] || f.Value.String() != defaultFlags.Lookup(f.Name).Value.String() {
			c.variant[f.Name] = value
		}
	})
	if c.ConfigFile != "" {
		c.flags["config"] = c.ConfigFile
		c.variant["config"] = c.ConfigFile
	}
}

// Variant returns the flags that differ from the defaults (or were explicitly set), by name.
func (c Config) Variant() map[string]any {
	return maps.Clone(c.variant)
}

// FlagsDict returns the value of all the flags, by name.
func (c Config) FlagsDict() map[string]any {
	return maps.Clone(c.flags)
}

// VariantNames returns the sorted names of the Variant flags.
func (c Config) VariantNames() []string {
	names := lo.Keys(c.variant)
	slices.Sort(names)
	return names
}

// Validate the configuration values that can be checked without external resources.
func (c Config) Validate() error {
	if c.TotalSteps < 0 {
		return errors.Errorf("total_steps must be >= 0, got %d", c.TotalSteps)
	}
	if c.LogFreq <= 0 {
		return errors.Errorf("log_freq must be > 0, got %d", c.LogFreq)
	}
	if c.SaveModelFreq < 0 || c.SaveMilestoneFreq < 0 || c.EvalSteps < 0 {
		return errors.Errorf("save_model_freq (%d), save_milestone_freq (%d) and eval_steps (%d) must be >= 0",
			c.SaveModelFreq, c.SaveMilestoneFreq, c.EvalSteps)
	}
	if _, err := ParseDType(c.DType); err != nil {
		return err
	}
	if _, err := c.Compression(); err != nil {
		return err
	}
	if _, err := c.Selector(); err != nil {
		return err
	}
	if _, found := optimizers.KnownOptimizers[c.Optimizer.Type]; !found {
		return errors.Errorf("unknown optimizer.type %q, valid values are %q",
			c.Optimizer.Type, slices.Sorted(maps.Keys(optimizers.KnownOptimizers)))
	}
	if c.EvalSteps > 0 && c.EvalDataset.Path == "" {
		return errors.New("eval_steps > 0 requires eval_dataset.path")
	}
	return nil
}

var dtypeNames = map[string]dtypes.DType{
	"bf16":     dtypes.BFloat16,
	"bfloat16": dtypes.BFloat16,
	"fp16":     dtypes.Float16,
	"f16":      dtypes.Float16,
	"float16":  dtypes.Float16,
	"fp32":     dtypes.Float32,
	"f32":      dtypes.Float32,
	"float32":  dtypes.Float32,
}

// ParseDType converts the dtype names accepted by -dtype.
func ParseDType(name string) (dtypes.DType, error) {
	dtype, found := dtypeNames[strings.ToLower(name)]
	if !found {
		return dtypes.InvalidDType, errors.Errorf("unknown dtype %q, valid values are %q",
			name, slices.Sorted(maps.Keys(dtypeNames)))
	}
	return dtype, nil
}

// Compression returns the checkpoint compression format.
func (c Config) Compression() (checkpoints.BinFormat, error) {
	for _, format := range []checkpoints.BinFormat{checkpoints.BinGZIP, checkpoints.BinUncompressed} {
		if c.Checkpointer.Compression == format.String() {
			return format, nil
		}
	}
	return checkpoints.BinGZIP, errors.Errorf("unknown checkpointer.compression %q, valid values are %q and %q",
		c.Checkpointer.Compression, checkpoints.BinGZIP, checkpoints.BinUncompressed)
}

// Selector of the trained parameters.
func (c Config) Selector() (paramtree.Selector, error) {
	return paramtree.ParseSelector(c.Trainable.Mode, c.Trainable.Spec)
}

// RunDir is the directory where the checkpoints and metrics of the run are saved.
func (c Config) RunDir() string {
	return fsutil.MustReplaceTildeInDir(strings.TrimRight(c.Logger.OutputDir, "/") + "/" + c.Logger.ExperimentID)
}

// ModelConfig returns the model configuration, with the updates and the compute dtype applied.
func (c Config) ModelConfig() (*gemma.Config, error) {
	model, err := gemma.FromNameOrPath(c.Model.Name)
	if err != nil {
		return nil, err
	}
	if err = model.Update(c.Model.Update); err != nil {
		return nil, err
	}
	model.ComputeDType, err = ParseDType(c.DType)
	if err != nil {
		return nil, err
	}
	return model, model.Validate()
}

// ApplyToContext sets the optimizer and initialization hyperparameters in ctx, followed by the
// ContextSettings.
//
// It returns the names of the hyperparameters set for this run: those whose flags were given (or differ from
// the defaults) and those in ContextSettings. They take precedence over the values stored in a checkpoint
// being resumed, while the others are restored from it.
func (c Config) ApplyToContext(ctx *context.Context) (paramsSet []string, err error) {
	opt := c.Optimizer
	periodFlags := []string{"optimizer.cosine_schedule_steps"}
	if opt.CosineScheduleSteps < 0 {
		opt.CosineScheduleSteps = c.TotalSteps
		periodFlags = append(periodFlags, "total_steps")
	}
	settings := []struct {
		name  string
		value any
		flags []string
	}{
		{context.ParamInitialSeed, c.Seed, []string{"seed"}},
		{optimizers.ParamOptimizer, opt.Type, []string{"optimizer.type"}},
		{optimizers.ParamLearningRate, opt.LearningRate, []string{"optimizer.learning_rate"}},
		{optimizers.ParamAdamWeightDecay, opt.WeightDecay, []string{"optimizer.weight_decay"}},
		{optimizers.ParamAdamBeta1, opt.Beta1, []string{"optimizer.beta1"}},
		{optimizers.ParamAdamBeta2, opt.Beta2, []string{"optimizer.beta2"}},
		{optimizers.ParamAdamEpsilon, opt.Epsilon, []string{"optimizer.epsilon"}},
		{optimizers.ParamAdamDType, "float32", nil},
		{optimizers.ParamClipStepByValue, opt.ClipStepByValue, []string{"optimizer.clip_step_by_value"}},
		{cosineschedule.ParamPeriodSteps, opt.CosineScheduleSteps, periodFlags},
		{cosineschedule.ParamWarmUpSteps, opt.WarmupSteps, []string{"optimizer.warmup_steps"}},
		{cosineschedule.ParamMinLearningRate, opt.MinLearningRate, []string{"optimizer.min_learning_rate"}},
	}
	for _, setting := range settings {
		ctx.SetParam(setting.name, setting.value)
		if lo.SomeBy(setting.flags, func(name string) bool { return lo.HasKey(c.variant, name) }) {
			paramsSet = append(paramsSet, setting.name)
		}
	}
	extra, err := commandline.ParseContextSettings(ctx, c.ContextSettings)
	if err != nil {
		return nil, err
	}
	return lo.Uniq(append(paramsSet, extra...)), nil
}
