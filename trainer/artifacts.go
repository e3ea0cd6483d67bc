package trainer

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Paths of the artifacts of a run.
type Paths struct {
	// ResultsDir holds the sampled images, one grid per epoch.
	ResultsDir string

	// ModelsDir holds the weights snapshots, one per epoch, and the model hyperparameters.
	ModelsDir string
}

// NewPaths returns the paths for run under outputDir: "<outputDir>/results/<run>" and "<outputDir>/models/<run>".
func NewPaths(outputDir, runName string) Paths {
	outputDir = ResolveDir(outputDir)
	return Paths{
		ResultsDir: filepath.Join(outputDir, "results", runName),
		ModelsDir:  filepath.Join(outputDir, "models", runName),
	}
}

// Create the directories.
func (p Paths) Create() error {
	for _, dir := range []string{p.ResultsDir, p.ModelsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "failed to create directory %q", dir)
		}
	}
	return nil
}

// ImagePath of the images sampled at the end of epoch.
func (p Paths) ImagePath(epoch int) string {
	return filepath.Join(p.ResultsDir, fmt.Sprintf("%d.jpg", epoch))
}

// CheckpointPath of the weights snapshot at the end of epoch.
func (p Paths) CheckpointPath(epoch int) string {
	return filepath.Join(p.ModelsDir, fmt.Sprintf("ckpt-%d.bin", epoch))
}

// ParamsPath of the file with the model hyperparameters, see SaveParams.
func (p Paths) ParamsPath() string {
	return filepath.Join(p.ModelsDir, "params.txt")
}

// RunsPath of the file where each training session is recorded.
func (p Paths) RunsPath() string {
	return filepath.Join(p.ModelsDir, "runs.txt")
}

var checkpointRegex = regexp.MustCompile(`^ckpt-(\d+)\.bin$`)

// LatestEpoch returns the largest epoch with a weights snapshot, or -1 if there are none.
func (p Paths) LatestEpoch() (int, error) {
	entries, err := os.ReadDir(p.ModelsDir)
	if err != nil {
		return -1, errors.Wrapf(err, "failed to list models directory %q", p.ModelsDir)
	}
	latest := -1
	for _, entry := range entries {
		matches := checkpointRegex.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		epoch, err := strconv.Atoi(matches[1])
		if err == nil && epoch > latest {
			latest = epoch
		}
	}
	return latest, nil
}

// ImageGrid arranges images, an uint8 tensor shaped `[numImages, height, width, channels]` (1 or 3 channels),
// in a grid with the given number of columns, separated by padding black pixels.
func ImageGrid(images *tensors.Tensor, columns, padding int) (*image.NRGBA, error) {
	shape := images.Shape()
	if shape.DType != dtypes.Uint8 || shape.Rank() != 4 {
		return nil, errors.Errorf("images must be uint8 shaped [numImages, height, width, channels], got %s", shape)
	}
	if channels := shape.Dimensions[3]; channels != 1 && channels != 3 {
		return nil, errors.Errorf("images must have 1 or 3 channels, got %d", channels)
	}
	if shape.Dimensions[0] == 0 {
		return nil, errors.New("no images to arrange in a grid")
	}
	return gridFromPixels(tensors.CopyFlatData[uint8](images), shape.Dimensions, columns, padding), nil
}

// SplitImages returns each image of the uint8 tensor shaped `[numImages, height, width, channels]`.
func SplitImages(images *tensors.Tensor) ([]image.Image, error) {
	if _, err := ImageGrid(images, 1, 0); err != nil {
		return nil, err
	}
	dims := slices.Clone(images.Shape().Dimensions)
	pixels := tensors.CopyFlatData[uint8](images)
	size := dims[1] * dims[2] * dims[3]
	numImages := dims[0]
	dims[0] = 1
	result := make([]image.Image, 0, numImages)
	for ii := range numImages {
		result = append(result, gridFromPixels(pixels[ii*size:(ii+1)*size], dims, 1, 0))
	}
	return result, nil
}

func gridFromPixels(pixels []uint8, dims []int, columns, padding int) *image.NRGBA {
	numImages, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	columns = max(1, min(columns, numImages))
	rows := (numImages + columns - 1) / columns
	grid := imaging.New(columns*(width+padding)+padding, rows*(height+padding)+padding, image.Black)
	for ii := range numImages {
		x0 := padding + (ii%columns)*(width+padding)
		y0 := padding + (ii/columns)*(height+padding)
		src := pixels[ii*height*width*channels:]
		for y := range height {
			dst := grid.Pix[(y0+y)*grid.Stride+4*x0:]
			for x := range width {
				pixel := src[(y*width+x)*channels:]
				if channels == 1 {
					dst[4*x], dst[4*x+1], dst[4*x+2] = pixel[0], pixel[0], pixel[0]
				} else {
					dst[4*x], dst[4*x+1], dst[4*x+2] = pixel[0], pixel[1], pixel[2]
				}
				dst[4*x+3] = 255
			}
		}
	}
	return grid
}

// SaveImageGrid saves images (see ImageGrid) to path, in the format given by its extension.
func SaveImageGrid(images *tensors.Tensor, path string, columns, padding int) error {
	grid, err := ImageGrid(images, columns, padding)
	if err != nil {
		return err
	}
	if err = imaging.Save(grid, path, imaging.JPEGQuality(95)); err != nil {
		return errors.Wrapf(err, "failed to save images to %q", path)
	}
	return nil
}

type weightsEntry struct {
	Scope, Name string
}

// SaveWeights writes the values of all variables under scope (an absolute scope, e.g. "/unet") to path,
// overwriting it if it already exists.
func SaveWeights(ctx *context.Context, scope, path string) error {
	var vars []*context.Variable
	ctx.InAbsPath(scope).EnumerateVariablesInScope(func(v *context.Variable) {
		vars = append(vars, v)
	})
	if len(vars) == 0 {
		return errors.Errorf("no variables under scope %q to save", scope)
	}
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", tmpPath)
	}
	w := bufio.NewWriter(f)
	enc := gob.NewEncoder(w)
	err = enc.Encode(len(vars))
	for _, v := range vars {
		if err != nil {
			break
		}
		if err = enc.Encode(weightsEntry{Scope: v.Scope(), Name: v.Name()}); err != nil {
			break
		}
		err = v.Value().GobSerialize(enc)
	}
	if err == nil {
		err = w.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to write weights to %q", tmpPath)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(err, "failed to move weights to %q", path)
	}
	return nil
}

// LoadWeights reads the variables saved with SaveWeights into ctx, creating them if they don't exist yet.
// It returns the number of variables loaded.
func LoadWeights(ctx *context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to open weights file")
	}
	defer func() { _ = f.Close() }()
	dec := gob.NewDecoder(bufio.NewReader(f))
	var count int
	if err = dec.Decode(&count); err != nil {
		return 0, errors.Wrapf(err, "failed to read weights from %q", path)
	}
	for ii := range count {
		var entry weightsEntry
		if err = dec.Decode(&entry); err != nil {
			return ii, errors.Wrapf(err, "failed to read variable #%d from %q", ii, path)
		}
		value, err := tensors.GobDeserialize(dec)
		if err != nil {
			return ii, errors.Wrapf(err, "failed to read value of variable %s/%s from %q", entry.Scope, entry.Name, path)
		}
		if v := ctx.InspectVariable(entry.Scope, entry.Name); v != nil {
			if !v.Shape().Equal(value.Shape()) {
				return ii, errors.Errorf("variable %s/%s shaped %s, but saved value is shaped %s",
					entry.Scope, entry.Name, v.Shape(), value.Shape())
			}
			v.SetValue(value)
		} else {
			ctx.InAbsPath(entry.Scope).Checked(false).VariableWithValue(entry.Name, value)
		}
	}
	return count, nil
}

// SaveParams writes the root scope hyperparameters of ctx to path, one "key=value" per line, in the format
// read by LoadParams.
func SaveParams(ctx *context.Context, path string) error {
	var lines []string
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		var s string
		switch v := value.(type) {
		case []int:
			parts := make([]string, len(v))
			for ii, x := range v {
				parts[ii] = strconv.Itoa(x)
			}
			s = strings.Join(parts, ",")
		default:
			s = fmt.Sprintf("%v", v)
		}
		if strings.ContainsAny(s, ";\n") {
			return
		}
		lines = append(lines, fmt.Sprintf("%s=%s", key, s))
	})
	slices.Sort(lines)
	content := "# Model hyperparameters, one \"key=value\" per line.\n" + strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write hyperparameters to %q", path)
	}
	return nil
}

// LoadParams reads the hyperparameters saved with SaveParams into ctx. The parameters must already exist in ctx
// (see CreateDefaultContext), since their current values define their types.
func LoadParams(ctx *context.Context, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read hyperparameters")
	}
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err = commandline.ParseContextSettings(ctx, line); err != nil {
			return errors.WithMessagef(err, "failed to parse hyperparameter %q from %q", line, path)
		}
	}
	return nil
}
