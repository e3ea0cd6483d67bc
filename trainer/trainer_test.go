package trainer

import (
	"flag"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/cfgdiffusion/diffusion"
	"github.com/gomlx/cfgdiffusion/unet"
	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDataset yields numBatches batches of zero images and labels 0, 1, 2, ...
type fakeDataset struct {
	numBatches, batchSize, next int
}

func (ds *fakeDataset) Name() string { return "fake" }
func (ds *fakeDataset) Reset()       { ds.next = 0 }
func (ds *fakeDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if ds.next >= ds.numBatches {
		err = io.EOF
		return
	}
	ds.next++
	classes := make([]int32, ds.batchSize)
	for ii := range classes {
		classes[ii] = int32(ii)
	}
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(make([]float32, ds.batchSize*4*4), ds.batchSize, 4, 4, 1)}
	labels = []*tensors.Tensor{tensors.FromValue(classes)}
	return
}

func yieldAll(t *testing.T, ds train.Dataset) (specs []any, numInputs []int) {
	t.Helper()
	for {
		spec, inputs, labels, err := ds.Yield()
		if errors.Is(err, io.EOF) {
			return
		}
		require.NoError(t, err)
		require.Len(t, labels, 1)
		assert.Equal(t, []int32{0, 1, 2}, tensors.CopyFlatData[int32](labels[0]), "labels must always be returned")
		specs = append(specs, spec)
		numInputs = append(numInputs, len(inputs))
	}
}

func TestLabelDropout(t *testing.T) {
	always, err := NewLabelDropout(&fakeDataset{numBatches: 5, batchSize: 3}, 1, 42)
	require.NoError(t, err)
	specs, numInputs := yieldAll(t, always)
	require.Len(t, specs, 5)
	for ii := range specs {
		assert.Equal(t, Unconditional, specs[ii])
		assert.Equal(t, 1, numInputs[ii])
	}
	conditional, unconditional := always.Counts()
	assert.Equal(t, 0, conditional)
	assert.Equal(t, 5, unconditional)

	never, err := NewLabelDropout(&fakeDataset{numBatches: 5, batchSize: 3}, 0, 42)
	require.NoError(t, err)
	specs, numInputs = yieldAll(t, never)
	require.Len(t, specs, 5)
	for ii := range specs {
		assert.Equal(t, Conditional, specs[ii])
		assert.Equal(t, 2, numInputs[ii])
	}

	// Roughly alpha of the batches are dropped.
	some, err := NewLabelDropout(&fakeDataset{numBatches: 2000, batchSize: 3}, 0.25, 42)
	require.NoError(t, err)
	_, _ = yieldAll(t, some)
	_, unconditional = some.Counts()
	assert.InDelta(t, 500, unconditional, 100)

	// Reset propagates to the underlying dataset.
	some.Reset()
	specs, _ = yieldAll(t, some)
	assert.Len(t, specs, 2000)

	for _, alpha := range []float64{-0.1, 1.5, math.NaN()} {
		_, err = NewLabelDropout(&fakeDataset{}, alpha, 0)
		require.Error(t, err, "alpha=%g", alpha)
	}
	assert.Equal(t, "Conditional", Conditional.String())
	assert.Equal(t, "Unconditional", Unconditional.String())
}

// recordingDenoiser predicts the noisy image itself and records at graph building time whether it got labels.
type recordingDenoiser struct {
	withLabels, withoutLabels int
}

func (d *recordingDenoiser) Denoise(ctx *context.Context, noisy, timesteps, labels *Node) *Node {
	if labels == nil {
		d.withoutLabels++
	} else {
		labels.AssertDims(noisy.Shape().Dimensions[0])
		d.withLabels++
	}
	timesteps.AssertDims(noisy.Shape().Dimensions[0])
	return noisy
}

func TestModelGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	process, err := diffusion.New(10, 1e-4, 2e-2)
	require.NoError(t, err)
	images := tensors.FromFlatDataAndDimensions(make([]float32, 2*4*4*1), 2, 4, 4, 1)
	labels := tensors.FromValue([]int32{0, 1})

	for _, conditioning := range []Conditioning{Conditional, Unconditional} {
		denoiser := &recordingDenoiser{}
		modelFn := ModelGraph(process, denoiser.Denoise)
		ctx := context.New()
		ctx.RngStateFromSeed(1)
		var loss *tensors.Tensor
		if conditioning == Conditional {
			loss = context.ExecOnce(backend, ctx, func(ctx *context.Context, images, labels *Node) *Node {
				return modelFn(ctx, conditioning, []*Node{images, labels})[0]
			}, images, labels)
			assert.Equal(t, 1, denoiser.withLabels)
			assert.Equal(t, 0, denoiser.withoutLabels)
		} else {
			loss = context.ExecOnce(backend, ctx, func(ctx *context.Context, images *Node) *Node {
				return modelFn(ctx, conditioning, []*Node{images})[0]
			}, images)
			assert.Equal(t, 0, denoiser.withLabels)
			assert.Equal(t, 1, denoiser.withoutLabels)
		}
		require.True(t, loss.Shape().IsScalar())
		// Images are zero, so noisy = sqrt(1-alphaHat)*noise, and the loss is mean((1-sqrt(1-alphaHat))^2 * noise^2).
		value := float64(tensors.ToScalar[float32](loss))
		assert.Greater(t, value, 0.0)
		assert.False(t, math.IsInf(value, 0) || math.IsNaN(value))
	}

	// Wrong spec or inputs panic.
	require.Panics(t, func() {
		_ = context.ExecOnce(backend, context.New(), func(ctx *context.Context, images *Node) *Node {
			return ModelGraph(process, (&recordingDenoiser{}).Denoise)(ctx, "bad spec", []*Node{images})[0]
		}, images)
	})
	require.Panics(t, func() {
		_ = context.ExecOnce(backend, context.New(), func(ctx *context.Context, images *Node) *Node {
			return ModelGraph(process, (&recordingDenoiser{}).Denoise)(ctx, Conditional, []*Node{images})[0]
		}, images)
	})
}

func TestConfig(t *testing.T) {
	config := DefaultConfig()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(fs)
	require.Error(t, config.Validate(), "dataset_path and num_classes are required")

	require.NoError(t, fs.Parse([]string{"-dataset_path=/tmp/x", "-num_classes=10", "-T=50", "-img_size=32", "-epochs=3"}))
	require.NoError(t, config.Validate())
	assert.Equal(t, 50, config.NumSteps)
	assert.Equal(t, 12, config.BatchSize)
	assert.Equal(t, 0.1, config.Alpha)

	ctx := CreateDefaultContext()
	config.SetParams(ctx)
	require.NoError(t, ValidateContext(ctx))
	assert.Equal(t, 50, context.GetParamOr(ctx, diffusion.ParamNumSteps, 0))
	assert.Equal(t, 10, context.GetParamOr(ctx, unet.ParamNumClasses, 0))

	config.RunName = "a/b"
	require.Error(t, config.Validate())
	config.RunName = "CFG"
	config.BatchSize = 0
	require.Error(t, config.Validate())

	for _, bad := range []map[string]any{
		{ParamAlpha: 1.5},
		{ParamCFGScale: -1.0},
		{diffusion.ParamImageSize: 30},
		{diffusion.ParamInChannels: 2},
		{unet.ParamTimeDim: 7},
		{diffusion.ParamBetaEnd: 1.0},
		{unet.ParamNumClasses: 0},
	} {
		ctx := CreateDefaultContext()
		config.SetParams(ctx)
		ctx.SetParams(bad)
		require.Error(t, ValidateContext(ctx), "params %v", bad)
	}
}

func TestImageGrid(t *testing.T) {
	pixels := make([]uint8, 10*4*5*1)
	for ii := range pixels {
		pixels[ii] = 200
	}
	images := tensors.FromFlatDataAndDimensions(pixels, 10, 4, 5, 1)
	grid, err := ImageGrid(images, 8, 2)
	require.NoError(t, err)
	// 8 columns of width 5 and 2 rows of height 4, with 2 pixels of padding around every image.
	assert.Equal(t, 8*(5+2)+2, grid.Bounds().Dx())
	assert.Equal(t, 2*(4+2)+2, grid.Bounds().Dy())
	assert.Equal(t, color.NRGBA{A: 255}, grid.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{R: 200, G: 200, B: 200, A: 255}, grid.NRGBAAt(2, 2))
	// The 10th image is in the second row, second column: the rest of the second row is background.
	assert.Equal(t, color.NRGBA{R: 200, G: 200, B: 200, A: 255}, grid.NRGBAAt(2+7, 2+6))
	assert.Equal(t, color.NRGBA{A: 255}, grid.NRGBAAt(2+14, 2+6))

	split, err := SplitImages(images)
	require.NoError(t, err)
	require.Len(t, split, 10)
	assert.Equal(t, 5, split[3].Bounds().Dx())
	assert.Equal(t, 4, split[3].Bounds().Dy())

	_, err = ImageGrid(tensors.FromFlatDataAndDimensions(make([]float32, 4), 1, 2, 2, 1), 8, 2)
	require.Error(t, err)
	_, err = ImageGrid(tensors.FromFlatDataAndDimensions(make([]uint8, 8), 1, 2, 2, 2), 8, 2)
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "grid.jpg")
	require.NoError(t, SaveImageGrid(images, path, 8, 2))
	img, err := imaging.Open(path)
	require.NoError(t, err)
	assert.Equal(t, grid.Bounds(), img.Bounds())
}

func TestPaths(t *testing.T) {
	paths := NewPaths(t.TempDir(), "CFG")
	require.NoError(t, paths.Create())
	assert.Equal(t, "5.jpg", filepath.Base(paths.ImagePath(5)))
	assert.Equal(t, "ckpt-5.bin", filepath.Base(paths.CheckpointPath(5)))
	assert.Equal(t, filepath.Join("results", "CFG"), filepath.Join(
		filepath.Base(filepath.Dir(paths.ResultsDir)), filepath.Base(paths.ResultsDir)))

	latest, err := paths.LatestEpoch()
	require.NoError(t, err)
	assert.Equal(t, -1, latest)
	for _, name := range []string{"ckpt-2.bin", "ckpt-10.bin", "ckpt-3.bin.tmp", "params.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(paths.ModelsDir, name), nil, 0o644))
	}
	latest, err = paths.LatestEpoch()
	require.NoError(t, err)
	assert.Equal(t, 10, latest)
}

func TestWeightsAndParams(t *testing.T) {
	dir := t.TempDir()
	ctx := CreateDefaultContext()
	ctx.SetParam(unet.ParamNumClasses, 7)
	ctx.SetParam(unet.ParamChannelsList, []int{8, 16})
	ctx.In(unet.Scope).VariableWithValue("w", []float32{1, 2, 3})
	ctx.In(unet.Scope).In("block").VariableWithValue("b", int32(5))
	ctx.In("other").VariableWithValue("ignored", float32(1))

	weightsPath := filepath.Join(dir, "ckpt-0.bin")
	require.NoError(t, SaveWeights(ctx, "/"+unet.Scope, weightsPath))
	require.Error(t, SaveWeights(ctx, "/missing", filepath.Join(dir, "missing.bin")))
	paramsPath := filepath.Join(dir, "params.txt")
	require.NoError(t, SaveParams(ctx, paramsPath))
	content, err := os.ReadFile(paramsPath)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(content), "num_classes=7\n"))
	assert.True(t, strings.Contains(string(content), unet.ParamChannelsList+"=8,16\n"))

	// Load into a fresh context: variables are created.
	loaded := CreateDefaultContext()
	require.NoError(t, LoadParams(loaded, paramsPath))
	assert.Equal(t, 7, context.GetParamOr(loaded, unet.ParamNumClasses, 0))
	assert.Equal(t, []int{8, 16}, context.GetParamOr(loaded, unet.ParamChannelsList, []int(nil)))
	count, err := LoadWeights(loaded, weightsPath)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	w := loaded.InspectVariable("/"+unet.Scope, "w")
	require.NotNil(t, w)
	assert.Equal(t, []float32{1, 2, 3}, tensors.CopyFlatData[float32](w.Value()))
	b := loaded.InspectVariable("/"+unet.Scope+"/block", "b")
	require.NotNil(t, b)
	assert.Equal(t, int32(5), tensors.ToScalar[int32](b.Value()))
	assert.Nil(t, loaded.InspectVariable("/other", "ignored"))

	// Load into an existing variable with the wrong shape fails.
	mismatched := context.New()
	mismatched.In(unet.Scope).VariableWithValue("w", []float32{1, 2})
	_, err = LoadWeights(mismatched, weightsPath)
	require.Error(t, err)

	_, err = LoadWeights(loaded, filepath.Join(dir, "missing.bin"))
	require.Error(t, err)
}

// tinyDenoiser has one trainable variable in the U-Net scope, and uses an embedding of the labels when present.
func tinyDenoiser(ctx *context.Context, noisy, timesteps, labels *Node) *Node {
	g := noisy.Graph()
	ctx = ctx.In(unet.Scope)
	scale := ctx.VariableWithValue("scale", float32(0.5)).ValueGraph(g)
	embeddings := ctx.VariableWithValue("embeddings", []float32{0, 0}).ValueGraph(g)
	predicted := Mul(noisy, scale)
	if labels != nil {
		perExample := Gather(embeddings, InsertAxes(labels, -1))
		predicted = Add(predicted, Reshape(perExample, -1, 1, 1, 1))
	}
	return predicted
}

func writeTinyFolder(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for ii, class := range []string{"a", "b"} {
		for jj := range 3 {
			path := filepath.Join(root, class, string(rune('0'+jj))+".png")
			require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
			c := color.NRGBA{R: uint8(100 * ii), G: uint8(40 * jj), B: 10, A: 255}
			require.NoError(t, imaging.Save(imaging.New(12, 10, c), path))
		}
	}
	return root
}

func TestTrain(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training in -short mode")
	}
	backend := graphtest.BuildTestBackend()
	config := DefaultConfig()
	config.DatasetPath = writeTinyFolder(t)
	config.OutputDir = t.TempDir()
	config.NumClasses = 2
	config.Epochs = 2
	config.BatchSize = 2
	config.ImageSize = 8
	config.InChannels = 1
	config.NumSteps = 5
	config.TimeDim = 8
	config.Alpha = 0.5
	config.CFGScale = 3
	config.Seed = 17
	config.Workers = 2

	ctx := CreateDefaultContext()
	config.SetParams(ctx)
	require.NoError(t, ValidateContext(ctx))
	ds, folder, err := OpenDataset(ctx, config)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, folder.Classes())

	driver, err := NewDriver(backend, ctx, config, ds, tinyDenoiser)
	require.NoError(t, err)
	driver.ShowProgress = false
	var sampledEpochs []int
	driver.OnEpochEnd = func(epoch int, labels []int32, images *tensors.Tensor) {
		sampledEpochs = append(sampledEpochs, epoch)
		assert.Equal(t, []int32{0, 1}, labels, "one sample per class, in class order")
		assert.Equal(t, []int{2, 8, 8, 1}, images.Shape().Dimensions)
	}
	require.NoError(t, driver.Train())
	assert.Equal(t, []int{0, 1}, sampledEpochs)

	paths := driver.Paths()
	for _, path := range []string{
		paths.ImagePath(0), paths.ImagePath(1),
		paths.CheckpointPath(0), paths.CheckpointPath(1),
		paths.ParamsPath(), paths.RunsPath(),
	} {
		_, err := os.Stat(path)
		require.NoError(t, err, "missing %q", path)
	}
	latest, err := paths.LatestEpoch()
	require.NoError(t, err)
	assert.Equal(t, 1, latest)
	conditional, unconditional := driver.Dataset().Counts()
	assert.Equal(t, 6, conditional+unconditional, "2 epochs of 3 batches")
	runs, err := os.ReadFile(paths.RunsPath())
	require.NoError(t, err)
	assert.Contains(t, string(runs), driver.SessionID())
	assert.Contains(t, driver.Summary(), "# parameters")

	// Too few classes configured.
	config.NumClasses = 1
	ctx = CreateDefaultContext()
	config.SetParams(ctx)
	_, _, err = OpenDataset(ctx, config)
	require.Error(t, err)
}

func TestNewBackend(t *testing.T) {
	_, err := NewBackend("no_such_backend:whatever")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_backend:whatever")
}

func TestClassLabels(t *testing.T) {
	assert.Equal(t, []int32{0, 1, 2, 3}, ClassLabels(4))
	assert.Empty(t, ClassLabels(0))
}
