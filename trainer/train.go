package trainer

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/gomlx/cfgdiffusion/diffusion"
	"github.com/gomlx/cfgdiffusion/unet"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph/nanlogger"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// ErrNonFiniteLoss is returned by Driver.Train when a training step produces a NaN or infinite loss.
var ErrNonFiniteLoss = errors.New("training loss is not finite")

// Driver runs the training: it iterates over the epochs and batches, and at the end of each epoch samples one
// image per class and snapshots the model weights.
type Driver struct {
	backend  backends.Backend
	ctx      *context.Context
	config   *Config
	paths    Paths
	process  *diffusion.Process
	denoiser diffusion.Denoiser
	dataset  *LabelDropout

	sessionID   string
	numClasses  int
	gridColumns int

	trainer *train.Trainer
	loop    *train.Loop
	sampler *diffusion.Sampler

	epochLosses []float64

	// ShowProgress enables the progress bars for training and sampling. Default is true.
	ShowProgress bool

	// OnEpochEnd, if set, is called after the artifacts of each epoch are saved, with the labels sampled and
	// the images generated for them.
	OnEpochEnd func(epoch int, labels []int32, images *tensors.Tensor)
}

// NewDriver creates a Driver for the dataset ds, which must yield `(images, labels)` batches.
//
// The hyperparameters are read from ctx. If denoiser is nil, the U-Net (package unet) is used.
func NewDriver(backend backends.Backend, ctx *context.Context, config *Config, ds train.Dataset, denoiser diffusion.Denoiser) (*Driver, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateContext(ctx); err != nil {
		return nil, err
	}
	process, err := diffusion.NewFromContext(ctx)
	if err != nil {
		return nil, err
	}
	dropout, err := NewLabelDropout(ds, context.GetParamOr(ctx, ParamAlpha, 0.1), config.Seed)
	if err != nil {
		return nil, err
	}
	if config.Seed != 0 {
		ctx.RngStateFromSeed(int64(config.Seed))
	}

	var nanLogger *nanlogger.NanLogger
	if context.GetParamOr(ctx, ParamNanLogger, false) {
		nanLogger = nanlogger.New()
	}
	if denoiser == nil {
		denoiser = (&unet.Model{NanLogger: nanLogger}).Denoise
	}

	d := &Driver{
		backend:      backend,
		ctx:          ctx,
		config:       config,
		paths:        NewPaths(config.OutputDir, config.RunName),
		process:      process,
		denoiser:     denoiser,
		dataset:      dropout,
		sessionID:    uuid.NewString(),
		numClasses:   context.GetParamOr(ctx, unet.ParamNumClasses, 0),
		gridColumns:  context.GetParamOr(ctx, ParamGridColumns, 8),
		ShowProgress: true,
	}

	// AdamW: Adam with decoupled weight decay, at a constant learning rate.
	optimizer := optimizers.Adam().
		LearningRate(context.GetParamOr(ctx, optimizers.ParamLearningRate, 3e-4)).
		WeightDecay(context.GetParamOr(ctx, ParamWeightDecay, 0.01)).
		Done()
	d.trainer = train.NewTrainer(backend, ctx, ModelGraph(process, denoiser), lossFn, optimizer, nil, nil)
	if nanLogger != nil {
		d.trainer.OnExecCreation(func(exec *context.Exec, _ train.GraphType) {
			nanLogger.AttachToExec(exec)
		})
	}
	d.loop = train.NewLoop(d.trainer)
	d.loop.OnStep("cfg: loss check", 0, d.onStep)
	d.sampler = diffusion.NewSampler(backend, ctx, process, denoiser, context.GetParamOr(ctx, ParamCFGScale, 0.1))
	return d, nil
}

// Paths of the run artifacts.
func (d *Driver) Paths() Paths { return d.paths }

// SessionID identifies this training session in the runs file.
func (d *Driver) SessionID() string { return d.sessionID }

// Dataset returns the label dropout dataset used for training.
func (d *Driver) Dataset() *LabelDropout { return d.dataset }

// onStep accumulates the epoch loss and stops the training if the loss is not finite.
func (d *Driver) onStep(loop *train.Loop, metrics []*tensors.Tensor) error {
	loss := float64(tensors.ToScalar[float32](metrics[0]))
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return errors.Wrapf(ErrNonFiniteLoss, "loss=%g at global step %d", loss, loop.LoopStep)
	}
	d.epochLosses = append(d.epochLosses, loss)
	if klog.V(1).Enabled() {
		klog.Infof("step %d: MSE=%.5f", loop.LoopStep, loss)
	}
	return nil
}

// Train runs all the epochs configured. Each epoch ends with a call to EndEpoch.
func (d *Driver) Train() error {
	if err := d.paths.Create(); err != nil {
		return err
	}
	if err := SaveParams(d.ctx, d.paths.ParamsPath()); err != nil {
		return err
	}
	if err := d.recordSession(); err != nil {
		return err
	}
	if d.ShowProgress {
		commandline.AttachProgressBar(d.loop)
	}
	d.sampler.WithProgressBar(d.ShowProgress)
	klog.Infof("session %s: training %q for %d epochs", d.sessionID, d.config.RunName, d.config.Epochs)

	for epoch := range d.config.Epochs {
		start := time.Now()
		d.epochLosses = d.epochLosses[:0]
		if _, err := d.loop.RunEpochs(d.dataset, 1); err != nil {
			return errors.WithMessagef(err, "training failed in epoch %d", epoch)
		}
		if len(d.epochLosses) == 0 {
			return errors.Errorf("dataset %q yielded no batches in epoch %d", d.dataset.Name(), epoch)
		}
		mean, stdDev := stat.MeanStdDev(d.epochLosses, nil)
		klog.Infof("epoch %d: MSE=%.5f (stddev %.5f) over %d batches, %s", epoch,
			mean, stdDev, len(d.epochLosses), time.Since(start).Round(time.Millisecond))
		if epoch == 0 {
			klog.Infof("model: %s", unet.String(d.ctx))
			klog.Infof("run summary:\n%s", d.Summary())
		}
		if err := d.EndEpoch(epoch); err != nil {
			return err
		}
	}
	conditional, unconditional := d.dataset.Counts()
	klog.Infof("training done: %d conditional and %d unconditional batches", conditional, unconditional)
	return nil
}

// ClassLabels returns the labels 0, 1, ..., numClasses-1.
func ClassLabels(numClasses int) []int32 {
	return xslices.Iota(int32(0), numClasses)
}

// EndEpoch samples one image per class with classifier-free guidance, saves them as a grid in the results
// directory and snapshots the model weights in the models directory, both named after the epoch.
func (d *Driver) EndEpoch(epoch int) error {
	labels := ClassLabels(d.numClasses)
	images, err := d.sampler.Sample(labels)
	if err != nil {
		return errors.WithMessagef(err, "sampling at the end of epoch %d", epoch)
	}
	defer images.FinalizeAll()
	imagePath := d.paths.ImagePath(epoch)
	if err = SaveImageGrid(images, imagePath, d.gridColumns, 2); err != nil {
		return err
	}
	checkpointPath := d.paths.CheckpointPath(epoch)
	if err = SaveWeights(d.ctx, "/"+unet.Scope, checkpointPath); err != nil {
		return err
	}
	klog.Infof("epoch %d: saved %d samples to %s and weights to %s", epoch, d.numClasses, imagePath, checkpointPath)
	DisplayImages(fmt.Sprintf("Epoch %d", epoch), images)
	if d.OnEpochEnd != nil {
		d.OnEpochEnd(epoch, labels, images)
	}
	return nil
}

// recordSession appends one line per training session to the runs file.
func (d *Driver) recordSession() error {
	f, err := os.OpenFile(d.paths.RunsPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "failed to open runs file")
	}
	_, err = fmt.Fprintf(f, "%s\tsession=%s\tepochs=%d\tbatch_size=%d\tdataset=%s\n",
		time.Now().Format(time.RFC3339), d.sessionID, d.config.Epochs, d.config.BatchSize, d.dataset.Name())
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return errors.Wrapf(err, "failed to write runs file %q", d.paths.RunsPath())
}
