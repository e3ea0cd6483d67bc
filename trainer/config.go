// Package trainer implements classifier-free guidance training of a conditional diffusion model: the
// per-batch training step with random label dropout, and the epoch-end sampling and weights snapshots.
package trainer

import (
	"flag"
	"fmt"
	"strings"

	"github.com/gomlx/cfgdiffusion/diffusion"
	"github.com/gomlx/cfgdiffusion/unet"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/pkg/errors"
)

const (
	// ParamAlpha is the probability of dropping the labels of a batch.
	ParamAlpha = "alpha"

	// ParamCFGScale is the guidance scale used when sampling.
	ParamCFGScale = "cfg_scale"

	// ParamWeightDecay of the AdamW optimizer.
	ParamWeightDecay = "weight_decay"

	// ParamNanLogger enables tracing of NaN values in the model.
	ParamNanLogger = "nan_logger"

	// ParamGridColumns is the number of images per row in the saved sample grids.
	ParamGridColumns = "grid_columns"
)

// Config holds the run settings given by command-line flags.
//
// The settings that define the model and the diffusion are copied to the context with Config.SetParams, and
// from there on read from the context.
type Config struct {
	RunName      string
	Epochs       int
	BatchSize    int
	Shuffle      bool
	ImageSize    int
	InChannels   int
	NumSteps     int
	BetaStart    float64
	BetaEnd      float64
	TimeDim      int
	DatasetPath  string
	Device       string
	LearningRate float64
	NumClasses   int
	Alpha        float64
	CFGScale     float64

	// OutputDir is the base directory where "results/" and "models/" are created.
	OutputDir string

	// Seed for the random number generators. 0 means random.
	Seed uint64

	// Workers is the number of goroutines preparing batches. 0 means the number of cores.
	Workers int
}

// DefaultConfig returns the default run settings. DatasetPath and NumClasses have no default and must be set.
func DefaultConfig() *Config {
	return &Config{
		RunName:      "CFG",
		Epochs:       500,
		BatchSize:    12,
		Shuffle:      true,
		ImageSize:    64,
		InChannels:   3,
		NumSteps:     1000,
		BetaStart:    1e-4,
		BetaEnd:      2e-2,
		TimeDim:      256,
		LearningRate: 3e-4,
		Alpha:        0.1,
		CFGScale:     0.1,
		OutputDir:    ".",
	}
}

// RegisterFlags registers one flag per setting in fs, using the current values as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.RunName, "run_name", c.RunName, "Name of the run: used for the results and models subdirectories.")
	fs.IntVar(&c.Epochs, "epochs", c.Epochs, "Number of epochs to train.")
	fs.IntVar(&c.BatchSize, "batch_size", c.BatchSize, "Batch size.")
	fs.BoolVar(&c.Shuffle, "shuffle", c.Shuffle, "Shuffle the dataset at every epoch.")
	fs.IntVar(&c.ImageSize, "img_size", c.ImageSize, "Height and width of the images.")
	fs.IntVar(&c.InChannels, "in_channels", c.InChannels, "Number of channels of the images: 1 or 3.")
	fs.IntVar(&c.NumSteps, "T", c.NumSteps, "Number of diffusion steps.")
	fs.Float64Var(&c.BetaStart, "beta_start", c.BetaStart, "First beta of the linear noise schedule.")
	fs.Float64Var(&c.BetaEnd, "beta_end", c.BetaEnd, "Last beta of the linear noise schedule.")
	fs.IntVar(&c.TimeDim, "time_dim", c.TimeDim, "Size of the timestep (and label) embedding.")
	fs.StringVar(&c.DatasetPath, "dataset_path", c.DatasetPath,
		"Directory with one subdirectory of images per class. Required.")
	fs.StringVar(&c.Device, "device", c.Device,
		`Device to train on: "cuda" (or "gpu"), "cpu" or a GoMLX backend configuration like "xla:cuda". `+
			`If empty, $GOMLX_BACKEND or the default backend is used.`)
	fs.Float64Var(&c.LearningRate, "lr", c.LearningRate, "Learning rate.")
	fs.IntVar(&c.NumClasses, "num_classes", c.NumClasses, "Number of classes. Required.")
	fs.Float64Var(&c.Alpha, "alpha", c.Alpha, "Probability of dropping the labels of a batch.")
	fs.Float64Var(&c.CFGScale, "cfg_scale", c.CFGScale, "Classifier-free guidance scale used for sampling at the end of each epoch.")
	fs.StringVar(&c.OutputDir, "output", c.OutputDir, `Base directory for the "results/" and "models/" subdirectories.`)
	fs.Uint64Var(&c.Seed, "seed", c.Seed, "Random seed. 0 for a random one.")
	fs.IntVar(&c.Workers, "workers", c.Workers, "Number of goroutines preparing batches. 0 for the number of cores.")
}

// Validate the run settings.
func (c *Config) Validate() error {
	var problems []string
	if c.DatasetPath == "" {
		problems = append(problems, "-dataset_path is required")
	}
	if c.NumClasses <= 0 {
		problems = append(problems, "-num_classes is required and must be > 0")
	}
	if c.RunName == "" || strings.ContainsAny(c.RunName, `/\`) {
		problems = append(problems, fmt.Sprintf("-run_name=%q must be a non-empty name without path separators", c.RunName))
	}
	if c.Epochs < 0 {
		problems = append(problems, fmt.Sprintf("-epochs=%d must be >= 0", c.Epochs))
	}
	if c.BatchSize <= 0 {
		problems = append(problems, fmt.Sprintf("-batch_size=%d must be > 0", c.BatchSize))
	}
	if len(problems) > 0 {
		return errors.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// SetParams copies the model and diffusion settings to the context hyperparameters.
func (c *Config) SetParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		diffusion.ParamNumSteps:      c.NumSteps,
		diffusion.ParamBetaStart:     c.BetaStart,
		diffusion.ParamBetaEnd:       c.BetaEnd,
		diffusion.ParamImageSize:     c.ImageSize,
		diffusion.ParamInChannels:    c.InChannels,
		unet.ParamTimeDim:            c.TimeDim,
		unet.ParamNumClasses:         c.NumClasses,
		optimizers.ParamLearningRate: c.LearningRate,
		ParamAlpha:                   c.Alpha,
		ParamCFGScale:                c.CFGScale,
	})
}

// CreateDefaultContext with all the hyperparameters set to their default values.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		// Diffusion and data.
		diffusion.ParamNumSteps:   1000,
		diffusion.ParamBetaStart:  1e-4,
		diffusion.ParamBetaEnd:    2e-2,
		diffusion.ParamImageSize:  64,
		diffusion.ParamInChannels: 3,

		// Model.
		unet.ParamChannelsList:      unet.DefaultChannelsList,
		unet.ParamNumResidualBlocks: 2,
		unet.ParamAttentionLayers:   1,
		unet.ParamAttentionHeads:    4,
		unet.ParamAttentionKeyDim:   0,
		unet.ParamPool:              "max",
		unet.ParamTimeDim:           256,
		unet.ParamNumClasses:        0,
		activations.ParamActivation: "swish",

		// Training.
		optimizers.ParamLearningRate: 3e-4,
		ParamWeightDecay:             0.01,
		ParamAlpha:                   0.1,
		ParamCFGScale:                0.1,
		ParamNanLogger:               false,
		ParamGridColumns:             8,
	})
	return ctx
}

// ValidateContext checks the hyperparameters in the context.
func ValidateContext(ctx *context.Context) error {
	alpha := context.GetParamOr(ctx, ParamAlpha, 0.1)
	if !(alpha >= 0 && alpha <= 1) {
		return errors.Errorf("%q=%g: it must be a probability in [0, 1]", ParamAlpha, alpha)
	}
	if cfgScale := context.GetParamOr(ctx, ParamCFGScale, 0.1); cfgScale < 0 {
		return errors.Errorf("%q=%g: it must be >= 0", ParamCFGScale, cfgScale)
	}
	if lr := context.GetParamOr(ctx, optimizers.ParamLearningRate, 3e-4); lr <= 0 {
		return errors.Errorf("%q=%g: it must be > 0", optimizers.ParamLearningRate, lr)
	}
	if numClasses := context.GetParamOr(ctx, unet.ParamNumClasses, 0); numClasses <= 0 {
		return errors.Errorf("%q=%d: it must be > 0", unet.ParamNumClasses, numClasses)
	}
	imgSize := context.GetParamOr(ctx, diffusion.ParamImageSize, 64)
	levels := unet.Levels(ctx)
	if imgSize <= 0 || imgSize%(1<<levels) != 0 {
		return errors.Errorf("%q=%d: it must be a positive multiple of 2^%d, the number of levels of the U-Net",
			diffusion.ParamImageSize, imgSize, levels)
	}
	if channels := context.GetParamOr(ctx, diffusion.ParamInChannels, 3); channels != 1 && channels != 3 {
		return errors.Errorf("%q=%d: only 1 or 3 channels are supported", diffusion.ParamInChannels, channels)
	}
	if timeDim := context.GetParamOr(ctx, unet.ParamTimeDim, 256); timeDim < 2 || timeDim%2 != 0 {
		return errors.Errorf("%q=%d: it must be an even number >= 2", unet.ParamTimeDim, timeDim)
	}
	if _, err := diffusion.NewFromContext(ctx); err != nil {
		return err
	}
	return nil
}

// NewBackend creates the backend for the given -device value.
func NewBackend(device string) (backend backends.Backend, err error) {
	var config string
	switch strings.ToLower(device) {
	case "":
	case "cuda", "gpu":
		config = "xla:cuda"
	case "cpu":
		config = "xla:cpu"
	default:
		config = device
	}
	if config == "" {
		err = exceptions.TryCatch[error](func() { backend = backends.New() })
	} else {
		backend, err = backends.NewWithConfig(config)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend for -device=%q", device)
	}
	return backend, nil
}

// ResolveDir expands "~" in dir, like in GoMLX's examples.
func ResolveDir(dir string) string {
	return data.ReplaceTildeInDir(dir)
}
