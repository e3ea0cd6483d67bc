package trainer

import (
	"math/rand/v2"
	"sync"

	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Conditioning is the dataset spec of the batches yielded by LabelDropout. Since the training graph is
// compiled per spec, there is one graph with labels and one without.
type Conditioning int

const (
	// Conditional batches have inputs `[images, labels]`.
	Conditional Conditioning = iota

	// Unconditional batches have inputs `[images]` only: the labels were dropped.
	Unconditional
)

func (c Conditioning) String() string {
	switch c {
	case Conditional:
		return "Conditional"
	case Unconditional:
		return "Unconditional"
	default:
		return "Conditioning(?)"
	}
}

// LabelDropout wraps a dataset of `(images, labels)` batches and randomly drops the labels of whole
// batches with probability alpha, for classifier-free guidance training.
//
// The original labels are always returned as the batch labels, only the model inputs change.
type LabelDropout struct {
	ds    train.Dataset
	alpha float64

	mu                         sync.Mutex
	rng                        *rand.Rand
	numConditional, numDropped int
}

var _ train.Dataset = (*LabelDropout)(nil)

// NewLabelDropout creates a LabelDropout over ds. alpha must be in [0, 1]: 0 never drops, 1 always drops.
// If seed is 0 a random one is used.
func NewLabelDropout(ds train.Dataset, alpha float64, seed uint64) (*LabelDropout, error) {
	if !(alpha >= 0 && alpha <= 1) {
		return nil, errors.Errorf("label dropout probability must be in [0, 1], got %g", alpha)
	}
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &LabelDropout{
		ds:    ds,
		alpha: alpha,
		rng:   rand.New(rand.NewPCG(seed, 0x1abe1)),
	}, nil
}

// Name implements train.Dataset.
func (ld *LabelDropout) Name() string { return ld.ds.Name() }

// Reset implements train.Dataset.
func (ld *LabelDropout) Reset() { ld.ds.Reset() }

// Counts returns the number of batches yielded with and without labels so far.
func (ld *LabelDropout) Counts() (conditional, unconditional int) {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	return ld.numConditional, ld.numDropped
}

// Yield implements train.Dataset.
func (ld *LabelDropout) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	_, inputs, labels, err = ld.ds.Yield()
	if err != nil {
		return
	}
	if len(inputs) != 1 || len(labels) != 1 {
		err = errors.Errorf("dataset %q must yield one input (images) and one label tensor, got %d and %d",
			ld.ds.Name(), len(inputs), len(labels))
		return
	}

	ld.mu.Lock()
	drop := ld.rng.Float64() < ld.alpha
	if drop {
		ld.numDropped++
	} else {
		ld.numConditional++
	}
	ld.mu.Unlock()

	if drop {
		spec = Unconditional
		return
	}
	spec = Conditional
	classes := labels[0]
	inputs = append(inputs, tensors.FromFlatDataAndDimensions(
		tensors.CopyFlatData[int32](classes), classes.Shape().Dimensions...))
	return
}
