// Package unet implements a class-conditional U-Net that predicts the noise added to images, to be used as a
// diffusion.Denoiser.
//
// The timestep is given to the model as a sinusoidal embedding. When labels are given, a learned class
// embedding is added to it. Models trained with label dropout learn both the conditional and the
// unconditional prediction, which is what classifier-free guidance needs.
//
// Hyperparameters (set in the context):
//
//   - ParamChannelsList: number of channels for each level of the U-Net. At each level the image is
//     pooled by a factor of 2.
//   - ParamNumResidualBlocks: number of residual blocks per level.
//   - ParamAttentionLayers and ParamAttentionHeads: self-attention layers in the bottleneck.
//   - ParamPool: "max" or "mean".
//   - ParamTimeDim: size of the time (and label) embedding.
//   - ParamNumClasses: number of classes for the label embedding.
//   - activations.ParamActivation: activation used by all blocks, see activations.ApplyFromContext.
package unet

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/nanlogger"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/gomlx/gopjrt/dtypes"
)

const (
	// Scope under which all the model variables are created.
	Scope = "unet"

	ParamChannelsList      = "unet_channels_list"
	ParamNumResidualBlocks = "unet_num_residual_blocks"
	ParamAttentionLayers   = "unet_attention_layers"
	ParamAttentionHeads    = "unet_attention_heads"
	ParamAttentionKeyDim   = "unet_attention_key_dim"
	ParamPool              = "unet_pool"
	ParamTimeDim           = "time_dim"
	ParamNumClasses        = "num_classes"
)

// DefaultChannelsList is the default value for ParamChannelsList.
var DefaultChannelsList = []int{64, 128, 256}

// Model implements diffusion.Denoiser. Its zero value is valid.
type Model struct {
	// NanLogger, if set, traces the outputs of each block for NaNs.
	NanLogger *nanlogger.NanLogger
}

// Denoise predicts the noise in noisy, see diffusion.Denoiser.
func (m *Model) Denoise(ctx *context.Context, noisy, timesteps, labels *Node) *Node {
	return Denoise(ctx, m.NanLogger, noisy, timesteps, labels)
}

// Levels returns the number of times the image is pooled, given the hyperparameters in ctx.
// The image size must be divisible by 2^Levels.
func Levels(ctx *context.Context) int {
	return len(context.GetParamOr(ctx, ParamChannelsList, DefaultChannelsList))
}

// TimeEmbedding returns the sinusoidal embedding of the timesteps, shaped `[batchSize, dim]`:
// the first half are sines, the second half cosines, with frequencies geometrically spaced from 1 to 1/10000.
func TimeEmbedding(timesteps *Node, dim int) *Node {
	g := timesteps.Graph()
	if dim < 2 || dim%2 != 0 {
		exceptions.Panicf("time embedding dimension must be an even number >= 2, got %d", dim)
	}
	half := dim / 2
	invFreq := IotaFull(g, shapes.Make(dtypes.Float32, half))
	invFreq = Exp(MulScalar(invFreq, -math.Log(10000.0)/float64(half)))
	t := InsertAxes(ConvertDType(timesteps, dtypes.Float32), -1) // [batchSize, 1]
	angles := Mul(t, ExpandLeftToRank(invFreq, 2))
	return Concatenate([]*Node{Sin(angles), Cos(angles)}, -1)
}

// ResidualBlock on the input, shaped `[batchSize, height, width, channels]`, with `outputChannels` in the output.
// The time embedding, shaped `[batchSize, embedDim]`, is projected and added to each channel.
func ResidualBlock(ctx *context.Context, nanLogger *nanlogger.NanLogger, x, embed *Node, outputChannels int) *Node {
	x.AssertRank(4)
	inputChannels := x.Shape().Dimensions[3]
	layerNum := 0
	nextCtx := func(name string) (scopedCtx *context.Context) {
		scopedCtx = ctx.Inf("%03d-%s", layerNum, name)
		layerNum++
		return
	}

	residual := x
	if inputChannels != outputChannels {
		residual = layers.Dense(nextCtx("residual_projection"), x, true, outputChannels)
	}

	x = layers.LayerNormalization(nextCtx("norm"), x, 1, 2, 3).Done()
	x = activations.ApplyFromContext(ctx, x)
	x = layers.Convolution(nextCtx("conv"), x).Filters(outputChannels).KernelSize(3).PadSame().Done()

	embed = activations.ApplyFromContext(ctx, embed)
	embed = layers.Dense(nextCtx("time_projection"), embed, true, outputChannels)
	x = Add(x, InsertAxes(embed, 1, 1)) // [batchSize, 1, 1, outputChannels]
	nanLogger.Trace(x, "ResidualBlock:time_projection")

	x = layers.LayerNormalization(nextCtx("norm"), x, 1, 2, 3).Done()
	x = activations.ApplyFromContext(ctx, x)
	x = layers.Convolution(nextCtx("conv"), x).Filters(outputChannels).KernelSize(3).PadSame().Done()
	x = Add(x, residual)
	nanLogger.Trace(x, "ResidualBlock")
	return x
}

// DownBlock applies `numBlocks` residual blocks followed by a pooling of size 2, halving the spatial size.
// It pushes the output of each residual block to the `skips` stack.
func DownBlock(ctx *context.Context, nanLogger *nanlogger.NanLogger, x, embed *Node, skips []*Node, numBlocks, outputChannels int) (*Node, []*Node) {
	for ii := range numBlocks {
		x = ResidualBlock(ctx.Inf("%03d-residual", ii), nanLogger, x, embed, outputChannels)
		skips = append(skips, x)
	}
	poolType := context.GetParamOr(ctx, ParamPool, "max")
	switch poolType {
	case "max":
		x = MaxPool(x).Window(2).NoPadding().Done()
	case "mean":
		x = MeanPool(x).Window(2).NoPadding().Done()
	default:
		exceptions.Panicf("invalid %q setting %q: valid values are max or mean", ParamPool, poolType)
	}
	return x, skips
}

// UpSampleImages doubles the height and width of images, shaped `[batchSize, height, width, channels]`,
// repeating each pixel (nearest neighbour).
func UpSampleImages(images *Node) *Node {
	dims := images.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	upSampled := InsertAxes(images, 2, 3) // [batchSize, height, 1, width, 1, channels]
	upSampled = BroadcastToDims(upSampled, batchSize, height, 2, width, 2, channels)
	return Reshape(upSampled, batchSize, 2*height, 2*width, channels)
}

// UpBlock is the counterpart to DownBlock: it up-samples x and applies `numBlocks` residual blocks, each
// taking a skip connection popped from `skips`.
func UpBlock(ctx *context.Context, nanLogger *nanlogger.NanLogger, x, embed *Node, skips []*Node, numBlocks, outputChannels int) (*Node, []*Node) {
	x = UpSampleImages(x)
	for ii := range numBlocks {
		var skip *Node
		skip, skips = xslices.Pop(skips)
		x = Concatenate([]*Node{x, skip}, -1)
		x = ResidualBlock(ctx.Inf("%03d-residual", ii), nanLogger, x, embed, outputChannels)
	}
	return x, skips
}

// AttentionBlock applies self-attention over the spatial positions of x, shaped `[batchSize, height, width, channels]`.
func AttentionBlock(ctx *context.Context, nanLogger *nanlogger.NanLogger, x *Node) *Node {
	dims := x.Shape().Dimensions
	batchSize, channels := dims[0], dims[3]
	numHeads := context.GetParamOr(ctx, ParamAttentionHeads, 4)
	keyDim := context.GetParamOr(ctx, ParamAttentionKeyDim, 0)
	if keyDim <= 0 {
		keyDim = max(channels/numHeads, 1)
	}

	embed := Reshape(x, batchSize, -1, channels) // [batchSize, height*width, channels]
	residual := embed
	embed = layers.LayerNormalization(ctx.In("norm_1"), embed, -1).Done()
	embed = layers.MultiHeadAttention(ctx.In("attention"), embed, embed, embed, numHeads, keyDim).
		SetOutputDim(channels).
		SetValueHeadDim(keyDim).Done()
	embed = Add(embed, residual)

	residual = embed
	embed = layers.LayerNormalization(ctx.In("norm_2"), embed, -1).Done()
	embed = layers.Dense(ctx.In("ffn_1"), embed, true, channels)
	embed = activations.ApplyFromContext(ctx, embed)
	embed = layers.Dense(ctx.In("ffn_2"), embed, true, channels)
	embed = Add(embed, residual)
	nanLogger.Trace(embed, "AttentionBlock")
	return Reshape(embed, dims...)
}

// Denoise builds the U-Net graph, see diffusion.Denoiser. nanLogger may be nil.
//
// noisy must be shaped `[batchSize, size, size, channels]`, with size divisible by 2^Levels(ctx).
func Denoise(ctx *context.Context, nanLogger *nanlogger.NanLogger, noisy, timesteps, labels *Node) *Node {
	ctx = ctx.In(Scope).WithInitializer(initializers.XavierNormalFn(ctx))

	// nextCtx return a new context prefixed with a counter, to give a nice ordering to the variables.
	layerNum := 0
	nextCtx := func(format string, args ...any) (scopedCtx *context.Context) {
		scopedCtx = ctx.Inf("%03d-"+format, append([]any{layerNum}, args...)...)
		layerNum++
		return
	}

	noisy.AssertRank(4)
	batchSize := noisy.Shape().Dimensions[0]
	imgSize := noisy.Shape().Dimensions[1]
	imageChannels := noisy.Shape().Dimensions[3]
	noisy.AssertDims(batchSize, imgSize, imgSize, imageChannels)
	timesteps.AssertDims(batchSize)

	numChannelsList := context.GetParamOr(ctx, ParamChannelsList, DefaultChannelsList)
	numBlocks := context.GetParamOr(ctx, ParamNumResidualBlocks, 2)
	timeDim := context.GetParamOr(ctx, ParamTimeDim, 256)
	if len(numChannelsList) == 0 {
		exceptions.Panicf("%q must have at least one value", ParamChannelsList)
	}
	if imgSize%(1<<len(numChannelsList)) != 0 {
		exceptions.Panicf("image size %d must be divisible by 2^%d (the number of levels in %q)",
			imgSize, len(numChannelsList), ParamChannelsList)
	}

	embed := ConvertDType(TimeEmbedding(timesteps, timeDim), noisy.DType())
	// The label embedding table is created even for the unconditional graph, so the set of variables
	// doesn't depend on which graph is built first.
	labelsCtx := ctx.In("label_embedding")
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 0)
	if labels != nil {
		labels.AssertDims(batchSize)
		if numClasses <= 0 {
			exceptions.Panicf("%q must be set to a positive value to use labels", ParamNumClasses)
		}
		labelsEmbed := layers.Embedding(labelsCtx, labels, noisy.DType(), numClasses, timeDim, false)
		embed = Add(embed, labelsEmbed)
	} else if numClasses > 0 {
		_ = labelsCtx.VariableWithShape("embeddings", shapes.Make(noisy.DType(), numClasses, timeDim))
	}
	nanLogger.Trace(embed, "Denoise:embed")

	x := layers.Convolution(nextCtx("StartingConvolution"), noisy).Filters(numChannelsList[0]).KernelSize(3).PadSame().Done()

	// Downward: keep the `skips` features to connect them on the way upward.
	skips := make([]*Node, 0, numBlocks*len(numChannelsList))
	for ii, numChannels := range numChannelsList {
		blockCtx := nextCtx("DownBlock_%d", ii)
		nanLogger.PushScope(blockCtx.Scope())
		x, skips = DownBlock(blockCtx, nanLogger, x, embed, skips, numBlocks, numChannels)
		nanLogger.PopScope()
	}

	// Bottleneck: smallest spatial shape, largest number of channels.
	lastNumChannels := xslices.Last(numChannelsList)
	x = ResidualBlock(nextCtx("Bottleneck"), nanLogger, x, embed, lastNumChannels)
	numAttentionLayers := context.GetParamOr(ctx, ParamAttentionLayers, 1)
	for ii := range numAttentionLayers {
		blockCtx := nextCtx("Attention_%d", ii)
		nanLogger.PushScope(blockCtx.Scope())
		x = AttentionBlock(blockCtx, nanLogger, x)
		nanLogger.PopScope()
	}
	x = ResidualBlock(nextCtx("Bottleneck"), nanLogger, x, embed, lastNumChannels)

	// Upward: up-sample back to the original size.
	for ii := range numChannelsList {
		blockCtx := nextCtx("UpBlock_%d", ii)
		nanLogger.PushScope(blockCtx.Scope())
		numChannels := numChannelsList[len(numChannelsList)-(ii+1)]
		x, skips = UpBlock(blockCtx, nanLogger, x, embed, skips, numBlocks, numChannels)
		nanLogger.PopScope()
	}
	if len(skips) != 0 {
		exceptions.Panicf("ended with %d skips not accounted for!?", len(skips))
	}

	// Output initialized to 0, the mean of the noise.
	x = layers.LayerNormalization(nextCtx("ReadoutNorm"), x, 1, 2, 3).Done()
	x = activations.ApplyFromContext(ctx, x)
	x = layers.DenseWithBias(nextCtx("Readout").WithInitializer(initializers.Zero), x, imageChannels)
	nanLogger.Trace(x, "Denoise:output")
	return x
}

// String returns a one-line description of the model configured in ctx.
func String(ctx *context.Context) string {
	ctx = ctx.In(Scope)
	return fmt.Sprintf("U-Net(channels=%v, residual_blocks=%d, attention_layers=%d, time_dim=%d)",
		context.GetParamOr(ctx, ParamChannelsList, DefaultChannelsList),
		context.GetParamOr(ctx, ParamNumResidualBlocks, 2),
		context.GetParamOr(ctx, ParamAttentionLayers, 1),
		context.GetParamOr(ctx, ParamTimeDim, 256))
}
