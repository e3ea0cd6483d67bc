package imagefolder

import (
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustWriteImage(t *testing.T, path string, width, height int, c color.Color) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	img := imaging.New(width, height, c)
	require.NoError(t, imaging.Save(img, path))
}

// createFolder creates 2 images of "cat", 3 of "dog" (one in a subdirectory) and a few files to be ignored.
func createFolder(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	white := color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	black := color.NRGBA{A: 255}
	mustWriteImage(t, filepath.Join(root, "dog", "1.png"), 20, 16, black)
	mustWriteImage(t, filepath.Join(root, "dog", "2.PNG"), 16, 20, black)
	mustWriteImage(t, filepath.Join(root, "dog", "more", "3.jpg"), 16, 16, black)
	mustWriteImage(t, filepath.Join(root, "cat", "a.png"), 30, 16, white)
	mustWriteImage(t, filepath.Join(root, "cat", "b.png"), 16, 16, white)
	require.NoError(t, os.WriteFile(filepath.Join(root, "cat", "notes.txt"), []byte("not an image"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), []byte("top level file"), 0o644))
	mustWriteImage(t, filepath.Join(root, ".hidden", "x.png"), 8, 8, white)
	return root
}

func TestDiscover(t *testing.T) {
	root := createFolder(t)
	index, err := Discover(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "dog"}, index.Classes)
	require.Len(t, index.Examples, 5)
	assert.Equal(t, []int{2, 3}, index.ClassCounts())
	for _, example := range index.Examples {
		switch filepath.Base(filepath.Dir(example.Path)) {
		case "cat":
			assert.Equal(t, int32(0), example.Label)
		default:
			assert.Equal(t, int32(1), example.Label, "path %q", example.Path)
		}
	}

	_, err = Discover(filepath.Join(root, "missing"))
	require.Error(t, err)
	_, err = Discover(filepath.Join(root, "README"))
	require.Error(t, err)

	empty := t.TempDir()
	_, err = Discover(empty)
	require.ErrorContains(t, err, "no class subdirectories")
	require.NoError(t, os.Mkdir(filepath.Join(empty, "class"), 0o755))
	_, err = Discover(empty)
	require.ErrorContains(t, err, "no images")
}

// yieldAll returns the batch sizes and the labels of one epoch.
func yieldAll(t *testing.T, ds *Dataset) (batchSizes []int, allLabels []int32, allPixels [][]float32) {
	t.Helper()
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			return
		}
		require.NoError(t, err)
		require.Len(t, inputs, 1)
		require.Len(t, labels, 1)
		dims := inputs[0].Shape().Dimensions
		batchSizes = append(batchSizes, dims[0])
		allLabels = append(allLabels, labels[0].Value().([]int32)...)
		allPixels = append(allPixels, tensors.CopyFlatData[float32](inputs[0]))
	}
}

func TestDataset(t *testing.T) {
	root := createFolder(t)
	ds, err := New(root, Config{Transform: DefaultTransform(8, 3), BatchSize: 2, Seed: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, ds.NumExamples())
	assert.Equal(t, 3, ds.NumBatches())
	assert.Equal(t, []string{"cat", "dog"}, ds.Classes())

	batchSizes, labels, pixels := yieldAll(t, ds)
	assert.Equal(t, []int{2, 2, 1}, batchSizes, "last partial batch must be yielded")
	assert.Equal(t, []int32{0, 0, 1, 1, 1}, labels)
	// Cats are white (1.0) and dogs are black (-1.0), with any crop.
	for _, v := range pixels[0] {
		require.InDelta(t, 1.0, v, 0.01)
	}
	for _, v := range pixels[2] {
		require.InDelta(t, -1.0, v, 0.05)
	}
	require.Len(t, pixels[0], 2*8*8*3)

	// Without Reset, it stays at the end of the epoch.
	_, _, _, err = ds.Yield()
	require.Equal(t, io.EOF, err)

	ds.Reset()
	batchSizes, labels, _ = yieldAll(t, ds)
	assert.Equal(t, []int{2, 2, 1}, batchSizes)
	assert.Equal(t, []int32{0, 0, 1, 1, 1}, labels)
}

func TestDatasetShuffleAndGrayscale(t *testing.T) {
	root := createFolder(t)
	ds, err := New(root, Config{Transform: DefaultTransform(4, 1), BatchSize: 5, Shuffle: true, Seed: 3})
	require.NoError(t, err)

	var epochs [][]int32
	for range 6 {
		batchSizes, labels, pixels := yieldAll(t, ds)
		require.Equal(t, []int{5}, batchSizes)
		require.Len(t, pixels[0], 5*4*4*1)
		epochs = append(epochs, labels)
		sorted := slices.Clone(labels)
		slices.Sort(sorted)
		require.Equal(t, []int32{0, 0, 1, 1, 1}, sorted)
		ds.Reset()
	}
	differentOrder := false
	for _, labels := range epochs[1:] {
		if !slices.Equal(labels, epochs[0]) {
			differentOrder = true
		}
	}
	assert.True(t, differentOrder, "shuffling should change the order across epochs")
}

func TestNewInvalidConfig(t *testing.T) {
	root := createFolder(t)
	_, err := New(root, Config{Transform: DefaultTransform(8, 3)})
	require.Error(t, err)
	_, err = New(root, Config{Transform: DefaultTransform(8, 4), BatchSize: 1})
	require.Error(t, err)
	_, err = New(root, Config{Transform: DefaultTransform(0, 3), BatchSize: 1})
	require.Error(t, err)
}

func TestTransformCenterCrop(t *testing.T) {
	// Left half black, right half white: a center crop without randomness keeps both.
	img := image.NewNRGBA(image.Rect(0, 0, 40, 20))
	for y := range 20 {
		for x := range 40 {
			if x >= 20 {
				img.Set(x, y, color.White)
			} else {
				img.Set(x, y, color.Black)
			}
		}
	}
	tr := Transform{ImageSize: 4, Channels: 1, ResizeRatio: 1, MinCropScale: 1}
	pixels := tr.Apply(nil, img, nil)
	require.Len(t, pixels, 16)
	assert.InDelta(t, -1.0, pixels[0], 1e-5)
	assert.InDelta(t, 1.0, pixels[3], 1e-5)
}
