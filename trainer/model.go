package trainer

import (
	"github.com/gomlx/cfgdiffusion/diffusion"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
)

// ModelGraph returns the train.ModelFn of one classifier-free guidance training step.
//
// For each batch it samples one timestep per image, noises the images accordingly, and asks the denoiser to
// predict the noise, with the labels for Conditional batches and without them (nil) for Unconditional ones.
// It returns the mean squared error between the predicted and the true noise as its only output.
func ModelGraph(process *diffusion.Process, denoiser diffusion.Denoiser) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		conditioning, ok := spec.(Conditioning)
		if !ok {
			exceptions.Panicf("training dataset must yield a Conditioning spec (see LabelDropout), got %T", spec)
		}
		images := inputs[0]
		images.AssertRank(4)
		g := images.Graph()
		batchSize := images.Shape().Dimensions[0]

		var labels *Node
		switch conditioning {
		case Conditional:
			if len(inputs) != 2 {
				exceptions.Panicf("conditional batch must have inputs [images, labels], got %d inputs", len(inputs))
			}
			labels = inputs[1]
		case Unconditional:
			if len(inputs) != 1 {
				exceptions.Panicf("unconditional batch must have inputs [images], got %d inputs", len(inputs))
			}
		default:
			exceptions.Panicf("unknown conditioning %s", conditioning)
		}

		timesteps := process.SampleTimesteps(ctx, g, batchSize)
		noisy, noise := process.Forward(ctx, images, timesteps)
		predicted := denoiser(ctx, noisy, timesteps, labels)
		loss := losses.MeanSquaredError([]*Node{noise}, []*Node{predicted})
		if !loss.IsScalar() {
			loss = ReduceAllMean(loss)
		}
		return []*Node{loss}
	}
}

// lossFn returns the loss calculated by ModelGraph.
func lossFn(_, predictions []*Node) *Node {
	return predictions[0]
}
