// cfg_sample generates images with a model trained by cfg_train, one per requested class.
//
// It reads the hyperparameters from "models/<run_name>/params.txt" and the weights of the chosen epoch
// (the latest by default) from "models/<run_name>/ckpt-<epoch>.bin".
//
// Example:
//
//	cfg_sample -run_name=CFG -classes=0,0,1,1 -cfg_scale=3 -out=samples.png
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/cfgdiffusion/diffusion"
	"github.com/gomlx/cfgdiffusion/trainer"
	"github.com/gomlx/cfgdiffusion/unet"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagOutputDir = flag.String("output", ".", `Base directory with the "models/" subdirectory used for training.`)
	flagRunName   = flag.String("run_name", "CFG", "Name of the training run.")
	flagEpoch     = flag.Int("epoch", -1, "Epoch of the weights snapshot to use. -1 for the latest.")
	flagClasses   = flag.String("classes", "", `Comma separated class ids to generate, e.g. "0,3,3". If empty, one per class.`)
	flagCFGScale  = flag.Float64("cfg_scale", -1, "Classifier-free guidance scale. If < 0, the one used in training.")
	flagDevice    = flag.String("device", "", `Device to sample on: "cuda" (or "gpu"), "cpu" or a GoMLX backend configuration.`)
	flagOut       = flag.String("out", "samples.jpg", "File where to save the grid of generated images.")
	flagSeed      = flag.Int64("seed", 0, "Random seed for the initial noise. 0 for a random one.")
	flagProgress  = flag.Bool("progress", true, "Display a progress bar while sampling.")
)

// parseClasses parses a comma separated list of class ids in [0, numClasses).
func parseClasses(list string, numClasses int) ([]int32, error) {
	if list == "" {
		return trainer.ClassLabels(numClasses), nil
	}
	var classes []int32
	for _, part := range strings.Split(list, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid class id %q in -classes", part)
		}
		if id < 0 || id >= numClasses {
			return nil, errors.Errorf("class id %d in -classes out of range [0, %d)", id, numClasses)
		}
		classes = append(classes, int32(id))
	}
	return classes, nil
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	paths := trainer.NewPaths(*flagOutputDir, *flagRunName)
	ctx := trainer.CreateDefaultContext()
	must.M(trainer.LoadParams(ctx, paths.ParamsPath()))
	if err := trainer.ValidateContext(ctx); err != nil {
		klog.Exitf("invalid hyperparameters in %q: %+v", paths.ParamsPath(), err)
	}
	numClasses := context.GetParamOr(ctx, unet.ParamNumClasses, 0)
	classes, err := parseClasses(*flagClasses, numClasses)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\n", err)
		flag.Usage()
		os.Exit(2)
	}

	epoch := *flagEpoch
	if epoch < 0 {
		epoch = must.M1(paths.LatestEpoch())
		if epoch < 0 {
			klog.Exitf("no weights snapshot found in %q", paths.ModelsDir)
		}
	}
	numVars := must.M1(trainer.LoadWeights(ctx, paths.CheckpointPath(epoch)))
	klog.Infof("loaded %d variables from %s: %s", numVars, paths.CheckpointPath(epoch), trainer.ModelSummary(ctx))
	if *flagSeed != 0 {
		ctx.RngStateFromSeed(*flagSeed)
	}

	cfgScale := *flagCFGScale
	if cfgScale < 0 {
		cfgScale = context.GetParamOr(ctx, trainer.ParamCFGScale, 0.1)
	}
	process := must.M1(diffusion.NewFromContext(ctx))
	backend := must.M1(trainer.NewBackend(*flagDevice))
	sampler := diffusion.NewSampler(backend, ctx, process, (&unet.Model{}).Denoise, cfgScale).
		WithProgressBar(*flagProgress)
	images, err := sampler.Sample(classes)
	if err != nil {
		klog.Fatalf("sampling failed: %+v", err)
	}
	columns := context.GetParamOr(ctx, trainer.ParamGridColumns, 8)
	must.M(trainer.SaveImageGrid(images, *flagOut, columns, 2))
	klog.Infof("saved %d images (epoch %d, cfg_scale=%g) to %s", len(classes), epoch, cfgScale, *flagOut)
}
