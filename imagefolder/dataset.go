package imagefolder

import (
	"fmt"
	"io"
	"math/rand/v2"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Config of a Dataset.
type Config struct {
	Transform

	// BatchSize is the number of images per batch. The last batch of the epoch may be smaller.
	BatchSize int

	// Shuffle re-permutes the examples at every Reset (and at creation).
	Shuffle bool

	// Seed for shuffling and augmentation. If 0 a random seed is used.
	Seed uint64
}

// Dataset yields batches of images, shaped `[batchSize, imageSize, imageSize, channels]` (float32 in [-1, 1]),
// and their labels, shaped `[batchSize]` (int32).
//
// Yield is safe for concurrent use, so it can be wrapped with data.Parallel.
type Dataset struct {
	name   string
	index  *Index
	config Config

	mu    sync.Mutex
	rng   *rand.Rand
	order []int
	next  int
	epoch int
	batch int
	seed  uint64
}

var _ train.Dataset = (*Dataset)(nil)

// New scans root (see Discover) and creates a Dataset over it.
func New(root string, config Config) (*Dataset, error) {
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be > 0, got %d", config.BatchSize)
	}
	if err := config.Transform.Validate(); err != nil {
		return nil, err
	}
	index, err := Discover(root)
	if err != nil {
		return nil, err
	}
	seed := config.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	ds := &Dataset{
		name:   fmt.Sprintf("imagefolder(%s)", root),
		index:  index,
		config: config,
		seed:   seed,
		rng:    rand.New(rand.NewPCG(seed, 0)),
		order:  make([]int, len(index.Examples)),
	}
	for ii := range ds.order {
		ds.order[ii] = ii
	}
	ds.Reset()
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Classes returns the class names, indexed by class id.
func (ds *Dataset) Classes() []string { return ds.index.Classes }

// Index returns the examples found.
func (ds *Dataset) Index() *Index { return ds.index }

// NumExamples in one epoch.
func (ds *Dataset) NumExamples() int { return len(ds.index.Examples) }

// NumBatches in one epoch, including the last partial batch.
func (ds *Dataset) NumBatches() int {
	return (ds.NumExamples() + ds.config.BatchSize - 1) / ds.config.BatchSize
}

// Reset implements train.Dataset: it restarts the epoch, re-shuffling the examples if configured.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.next = 0
	ds.batch = 0
	ds.epoch++
	if ds.config.Shuffle {
		ds.rng.Shuffle(len(ds.order), func(i, j int) {
			ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
		})
	}
}

// nextBatch returns the examples of the next batch and a random number generator for its augmentation,
// or nil at the end of the epoch.
func (ds *Dataset) nextBatch() (examples []Example, rng *rand.Rand) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.next >= len(ds.order) {
		return nil, nil
	}
	end := min(ds.next+ds.config.BatchSize, len(ds.order))
	examples = make([]Example, 0, end-ds.next)
	for _, idx := range ds.order[ds.next:end] {
		examples = append(examples, ds.index.Examples[idx])
	}
	ds.next = end
	rng = rand.New(rand.NewPCG(ds.seed, uint64(ds.epoch)<<32|uint64(ds.batch)))
	ds.batch++
	return
}

// Yield implements train.Dataset. It returns io.EOF at the end of the epoch.
func (ds *Dataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	examples, rng := ds.nextBatch()
	if examples == nil {
		err = io.EOF
		return
	}
	size, channels := ds.config.ImageSize, ds.config.Channels
	pixels := make([]float32, 0, len(examples)*size*size*channels)
	batchLabels := make([]int32, len(examples))
	for ii, example := range examples {
		img, openErr := imaging.Open(example.Path, imaging.AutoOrientation(true))
		if openErr != nil {
			err = errors.Wrapf(openErr, "failed to read image %q", example.Path)
			return
		}
		pixels = ds.config.Transform.Apply(rng, img, pixels)
		batchLabels[ii] = example.Label
	}
	spec = ds
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(pixels, len(examples), size, size, channels)}
	labels = []*tensors.Tensor{tensors.FromValue(batchLabels)}
	return
}
