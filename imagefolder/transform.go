package imagefolder

import (
	"image"
	"math"
	"math/rand/v2"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Transform converts a decoded image to the square, normalized, channels-last pixels fed to the model.
type Transform struct {
	// ImageSize is the height and width of the output.
	ImageSize int

	// Channels is 1 (luminance) or 3 (RGB).
	Channels int

	// ResizeRatio: the shorter side of the image is first resized to ImageSize*ResizeRatio.
	ResizeRatio float64

	// MinCropScale is the minimum fraction of the (resized) image area kept by the random crop.
	// A value of 1 disables the random crop, and the center is taken instead.
	MinCropScale float64

	// FlipHorizontal flips half the images horizontally.
	FlipHorizontal bool
}

// DefaultTransform for the given image size and number of channels: resize to 5/4 of the size, and random crop
// keeping 80% to 100% of the area.
func DefaultTransform(imageSize, channels int) Transform {
	return Transform{
		ImageSize:    imageSize,
		Channels:     channels,
		ResizeRatio:  1.25,
		MinCropScale: 0.8,
	}
}

// Validate the transform configuration.
func (tr Transform) Validate() error {
	if tr.ImageSize <= 0 {
		return errors.Errorf("image size must be > 0, got %d", tr.ImageSize)
	}
	if tr.Channels != 1 && tr.Channels != 3 {
		return errors.Errorf("images can only have 1 or 3 channels, got %d", tr.Channels)
	}
	if tr.ResizeRatio < 1 {
		return errors.Errorf("resize ratio must be >= 1, got %g", tr.ResizeRatio)
	}
	if tr.MinCropScale <= 0 || tr.MinCropScale > 1 {
		return errors.Errorf("min crop scale must be in (0, 1], got %g", tr.MinCropScale)
	}
	return nil
}

// Apply the transform to img, appending ImageSize*ImageSize*Channels values in [-1, 1] to pixels.
func (tr Transform) Apply(rng *rand.Rand, img image.Image, pixels []float32) []float32 {
	resizeTo := int(math.Round(float64(tr.ImageSize) * tr.ResizeRatio))
	bounds := img.Bounds()
	if bounds.Dx() < bounds.Dy() {
		img = imaging.Resize(img, resizeTo, 0, imaging.Linear)
	} else {
		img = imaging.Resize(img, 0, resizeTo, imaging.Linear)
	}

	// Square crop of a random fraction of the area, at a random position.
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	side := min(width, height)
	scale := 1.0
	if tr.MinCropScale < 1 && rng != nil {
		scale = tr.MinCropScale + rng.Float64()*(1-tr.MinCropScale)
	}
	side = max(1, int(math.Round(float64(side)*math.Sqrt(scale))))
	x0, y0 := (width-side)/2, (height-side)/2
	if rng != nil {
		x0, y0 = rng.IntN(width-side+1), rng.IntN(height-side+1)
	}
	img = imaging.Crop(img, image.Rect(x0, y0, x0+side, y0+side))
	nrgba := imaging.Resize(img, tr.ImageSize, tr.ImageSize, imaging.Linear)
	if tr.FlipHorizontal && rng != nil && rng.IntN(2) == 1 {
		nrgba = imaging.FlipH(nrgba)
	}

	for y := range tr.ImageSize {
		row := nrgba.Pix[y*nrgba.Stride:]
		for x := range tr.ImageSize {
			r, g, b := float64(row[4*x]), float64(row[4*x+1]), float64(row[4*x+2])
			if tr.Channels == 1 {
				pixels = append(pixels, normalize(0.299*r+0.587*g+0.114*b))
			} else {
				pixels = append(pixels, normalize(r), normalize(g), normalize(b))
			}
		}
	}
	return pixels
}

// normalize maps [0, 255] to [-1, 1].
func normalize(v float64) float32 {
	return float32(v/127.5 - 1.0)
}
