package trainer

import (
	"github.com/gomlx/cfgdiffusion/diffusion"
	"github.com/gomlx/cfgdiffusion/imagefolder"
	"github.com/gomlx/cfgdiffusion/unet"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// OpenDataset opens the image folder in config.DatasetPath, with the image size and channels set in ctx, and
// prepares its batches in parallel.
//
// It fails if the folder has more classes than the "num_classes" hyperparameter.
func OpenDataset(ctx *context.Context, config *Config) (train.Dataset, *imagefolder.Dataset, error) {
	imageSize := context.GetParamOr(ctx, diffusion.ParamImageSize, 64)
	channels := context.GetParamOr(ctx, diffusion.ParamInChannels, 3)
	folder, err := imagefolder.New(ResolveDir(config.DatasetPath), imagefolder.Config{
		Transform: imagefolder.DefaultTransform(imageSize, channels),
		BatchSize: config.BatchSize,
		Shuffle:   config.Shuffle,
		Seed:      config.Seed,
	})
	if err != nil {
		return nil, nil, err
	}
	numClasses := context.GetParamOr(ctx, unet.ParamNumClasses, 0)
	if found := len(folder.Classes()); found > numClasses {
		return nil, nil, errors.Errorf("dataset %q has %d classes, but -num_classes=%d", config.DatasetPath, found, numClasses)
	} else if found < numClasses {
		klog.Warningf("dataset %q has only %d classes, but -num_classes=%d", config.DatasetPath, found, numClasses)
	}
	klog.Infof("dataset %s: %d images in %d classes, %d batches per epoch", folder.Name(),
		folder.NumExamples(), len(folder.Classes()), folder.NumBatches())

	var ds train.Dataset
	if config.Workers > 0 {
		ds = data.CustomParallel(folder).Parallelism(config.Workers).Buffer(2 * config.Workers).Start()
	} else {
		ds = data.Parallel(folder)
	}
	return ds, folder, nil
}
