package diffusion

import (
	"fmt"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Sampler runs the reverse diffusion process from pure noise, guided by class labels.
//
// With a guidance scale s > 0, at each step the denoiser is evaluated twice, with the labels and without them,
// and the predicted noise is:
//
//	noise = unconditional + s * (conditional - unconditional)
//
// With s == 0 only the conditional prediction is used.
//
// It reuses the variables in the context, it never creates new ones.
type Sampler struct {
	backend   backends.Backend
	ctx       *context.Context
	process   *Process
	denoiser  Denoiser
	cfgScale  float64
	imageSize int
	channels  int

	showProgress bool
	noiseExec    *context.Exec
	stepExec     *context.Exec
}

// NewSampler creates a Sampler. The image size and number of channels are read from the context
// hyperparameters ParamImageSize and ParamInChannels.
func NewSampler(backend backends.Backend, ctx *context.Context, process *Process, denoiser Denoiser, cfgScale float64) *Sampler {
	s := &Sampler{
		backend:      backend,
		ctx:          ctx.Reuse(),
		process:      process,
		denoiser:     denoiser,
		cfgScale:     cfgScale,
		imageSize:    context.GetParamOr(ctx, ParamImageSize, 64),
		channels:     context.GetParamOr(ctx, ParamInChannels, 3),
		showProgress: true,
	}
	s.stepExec = context.NewExec(backend, s.ctx, s.stepGraph)
	s.noiseExec = context.NewExec(backend, s.ctx, func(ctx *context.Context, labels *Node) *Node {
		numImages := labels.Shape().Dimensions[0]
		return ctx.RandomNormal(labels.Graph(), shapes.Make(dtypes.Float32, numImages, s.imageSize, s.imageSize, s.channels))
	})
	return s
}

// WithProgressBar enables or disables the progress bar printed to stderr while sampling. Default is enabled.
func (s *Sampler) WithProgressBar(enabled bool) *Sampler {
	s.showProgress = enabled
	return s
}

// CFGScale returns the guidance scale used.
func (s *Sampler) CFGScale() float64 { return s.cfgScale }

// stepGraph is one reverse step from timestep t to t-1.
func (s *Sampler) stepGraph(ctx *context.Context, x, t, labels *Node) *Node {
	g := x.Graph()
	ctx.SetTraining(g, false)
	numImages := x.Shape().Dimensions[0]
	dtype := x.DType()
	timesteps := BroadcastToDims(ConvertDType(t, dtypes.Int32), numImages)

	predicted := s.denoiser(ctx, x, timesteps, labels)
	if s.cfgScale > 0 {
		unconditional := s.denoiser(ctx, x, timesteps, nil)
		predicted = Guide(predicted, unconditional, s.cfgScale)
	}

	schedule := s.process.Schedule
	rank := x.Rank()
	invSqrtAlpha := gatherPerExample(schedule.InvSqrtAlphas, timesteps, dtype, rank)
	noiseCoef := gatherPerExample(schedule.NoiseCoefs, timesteps, dtype, rank)
	sigma := gatherPerExample(schedule.Sigmas, timesteps, dtype, rank)
	z := ctx.RandomNormal(g, x.Shape())
	x = Mul(invSqrtAlpha, Sub(x, Mul(noiseCoef, predicted)))
	return Add(x, Mul(sigma, z))
}

// Sample generates one image per label, running the reverse process through all T steps.
//
// It returns an uint8 tensor shaped `[len(labels), imageSize, imageSize, channels]` with values in [0, 255].
func (s *Sampler) Sample(labels []int32) (images *tensors.Tensor, err error) {
	if len(labels) == 0 {
		return nil, errors.New("Sampler.Sample: no labels given, nothing to sample")
	}
	err = exceptions.TryCatch[error](func() { images = s.sample(labels) })
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to sample %d images", len(labels))
	}
	return images, nil
}

func (s *Sampler) sample(labels []int32) *tensors.Tensor {
	numSteps := s.process.NumSteps()
	labelsT := tensors.FromValue(labels)
	defer labelsT.FinalizeAll()

	var bar *progressbar.ProgressBar
	if s.showProgress {
		bar = progressbar.NewOptions(numSteps,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription(fmt.Sprintf("sampling %d images", len(labels))),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish())
	}

	x := s.noiseExec.Call(labelsT)[0]
	for t := numSteps - 1; t >= 0; t-- {
		next := s.stepExec.Call(x, int32(t), labelsT)[0]
		x.FinalizeAll() // Immediate release of (GPU) memory for intermediary results.
		x = next
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	klog.V(1).Infof("sampled %d images in %d steps (cfg_scale=%g)", len(labels), numSteps, s.cfgScale)

	images := ExecOnce(s.backend, ToUint8Images, x)
	x.FinalizeAll()
	return images
}

// Guide blends the conditional and unconditional noise predictions with the guidance scale:
// it interpolates linearly from unconditional (scale=0) to conditional (scale=1), and extrapolates beyond it.
func Guide(conditional, unconditional *Node, scale float64) *Node {
	return Add(unconditional, MulScalar(Sub(conditional, unconditional), scale))
}

// ToUint8Images converts images with values in [-1, 1] to uint8 in [0, 255]. Values outside the range are clipped.
func ToUint8Images(images *Node) *Node {
	images = ClipScalar(images, -1, 1)
	images = MulScalar(AddScalar(images, 1), 127.5)
	return ConvertDType(Round(images), dtypes.Uint8)
}
