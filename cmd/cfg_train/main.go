// cfg_train trains a class-conditional diffusion model with classifier-free guidance on an image folder.
//
// The dataset directory must have one subdirectory of images per class. At the end of each epoch it saves
// one sampled image per class to "results/<run_name>/<epoch>.jpg" and the model weights to
// "models/<run_name>/ckpt-<epoch>.bin".
//
// Example:
//
//	cfg_train -dataset_path=~/data/flowers -num_classes=5 -epochs=50 -set="unet_channels_list=32,64,128"
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/cfgdiffusion/trainer"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/ui/commandline"
	"k8s.io/klog/v2"
)

func main() {
	config := trainer.DefaultConfig()
	config.RegisterFlags(flag.CommandLine)
	ctx := trainer.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	if err := config.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\n", err)
		flag.Usage()
		os.Exit(2)
	}
	config.SetParams(ctx)
	paramsSet, err := commandline.ParseContextSettings(ctx, *settings)
	if err == nil {
		err = trainer.ValidateContext(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\n", err)
		flag.Usage()
		os.Exit(2)
	}
	if len(paramsSet) > 0 {
		klog.Infof("hyperparameters set: %s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	backend, err := trainer.NewBackend(config.Device)
	if err != nil {
		klog.Fatalf("%+v", err)
	}
	klog.Infof("backend %q: %s", backend.Name(), backend.Description())

	ds, _, err := trainer.OpenDataset(ctx, config)
	if err != nil {
		klog.Fatalf("%+v", err)
	}
	driver, err := trainer.NewDriver(backend, ctx, config, ds, nil)
	if err != nil {
		klog.Fatalf("%+v", err)
	}
	if err = driver.Train(); err != nil {
		klog.Fatalf("%+v", err)
	}
}
