// Package diffusion implements the DDPM forward noising process, with a linear beta schedule, and the
// reverse sampler with classifier-free guidance.
//
// The model that predicts the noise is any Denoiser, see package unet for the one used for training.
package diffusion

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

const (
	// ParamNumSteps is the context hyperparameter with the number of diffusion steps T.
	ParamNumSteps = "T"

	// ParamBetaStart is the context hyperparameter with the first beta of the linear schedule.
	ParamBetaStart = "beta_start"

	// ParamBetaEnd is the context hyperparameter with the last beta of the linear schedule.
	ParamBetaEnd = "beta_end"

	// ParamImageSize is the context hyperparameter with the height and width of the images.
	ParamImageSize = "img_size"

	// ParamInChannels is the context hyperparameter with the number of channels of the images.
	ParamInChannels = "in_channels"
)

// Denoiser predicts the noise added to noisy images at the given timesteps.
//
//   - noisy: shaped `[batchSize, height, width, channels]`.
//   - timesteps: int32 shaped `[batchSize]`.
//   - labels: int32 shaped `[batchSize]` with the class of each image, or nil for the unconditional prediction.
//
// It returns the predicted noise, shaped like noisy.
type Denoiser func(ctx *context.Context, noisy, timesteps, labels *Node) *Node

// Process is the forward (noising) side of the diffusion.
type Process struct {
	Schedule *Schedule
}

// New creates a Process with a linear schedule of numSteps betas from betaStart to betaEnd.
func New(numSteps int, betaStart, betaEnd float64) (*Process, error) {
	schedule, err := NewSchedule(numSteps, betaStart, betaEnd)
	if err != nil {
		return nil, err
	}
	return &Process{Schedule: schedule}, nil
}

// NewFromContext creates a Process configured by the hyperparameters ParamNumSteps, ParamBetaStart and ParamBetaEnd.
func NewFromContext(ctx *context.Context) (*Process, error) {
	return New(
		context.GetParamOr(ctx, ParamNumSteps, 1000),
		context.GetParamOr(ctx, ParamBetaStart, 1e-4),
		context.GetParamOr(ctx, ParamBetaEnd, 2e-2))
}

// NumSteps is the number of diffusion steps T.
func (p *Process) NumSteps() int { return p.Schedule.NumSteps }

// SampleTimesteps draws batchSize timesteps uniformly from [0, T), using the context random number generator.
//
// It returns an int32 tensor shaped `[batchSize]`.
func (p *Process) SampleTimesteps(ctx *context.Context, g *Graph, batchSize int) *Node {
	if batchSize <= 0 {
		exceptions.Panicf("SampleTimesteps: batchSize must be > 0, got %d", batchSize)
	}
	numSteps := float64(p.NumSteps())
	u := ctx.RandomUniform(g, shapes.Make(dtypes.Float32, batchSize))
	t := Floor(MulScalar(u, numSteps))
	t = ClipScalar(t, 0, numSteps-1)
	return ConvertDType(t, dtypes.Int32)
}

// Forward noises images to the given timesteps:
//
//	noisy = sqrt(alphaHat[t]) * images + sqrt(1 - alphaHat[t]) * noise,  noise ~ N(0, I)
//
// images are shaped `[batchSize, ...]` and timesteps `[batchSize]`. It returns the noisy images and the noise used.
func (p *Process) Forward(ctx *context.Context, images, timesteps *Node) (noisy, noise *Node) {
	g := images.Graph()
	images.AssertDims(timesteps.Shape().Dimensions[0], -1, -1, -1)
	dtype := images.DType()
	rank := images.Rank()
	noise = ctx.RandomNormal(g, images.Shape())
	signal := gatherPerExample(p.Schedule.SqrtAlphaHats, timesteps, dtype, rank)
	noiseRatio := gatherPerExample(p.Schedule.SqrtOneMinusAlphaHats, timesteps, dtype, rank)
	noisy = Add(Mul(images, signal), Mul(noise, noiseRatio))
	noisy = StopGradient(noisy)
	return
}
