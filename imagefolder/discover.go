// Package imagefolder implements a train.Dataset over a directory of images organized in one
// subdirectory per class:
//
//	root/
//	  class_a/xxx.png
//	  class_a/more/yyy.jpg
//	  class_b/zzz.jpg
//
// Class ids are assigned by the sorted order of the subdirectory names.
package imagefolder

import (
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Extensions of files considered images, in lower case.
var Extensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff"}

// Example is one image file and its class id.
type Example struct {
	Path  string
	Label int32
}

// Index lists the classes and images found under a root directory.
type Index struct {
	Root     string
	Classes  []string
	Examples []Example
}

// IsImage returns whether the file name has one of the image Extensions (case-insensitive).
func IsImage(name string) bool {
	return slices.Contains(Extensions, strings.ToLower(filepath.Ext(name)))
}

// Discover scans root for class subdirectories and their images, recursively.
// Examples are sorted by class and then by path, so the result is deterministic.
func Discover(root string) (*Index, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to access dataset directory %q", root)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("dataset path %q is not a directory", root)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list dataset directory %q", root)
	}
	index := &Index{Root: root}
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			index.Classes = append(index.Classes, entry.Name())
		}
	}
	if len(index.Classes) == 0 {
		return nil, errors.Errorf("no class subdirectories found in %q", root)
	}
	slices.Sort(index.Classes)

	for label, class := range index.Classes {
		classDir := filepath.Join(root, class)
		var paths []string
		err = filepath.WalkDir(classDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != classDir && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if IsImage(d.Name()) {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to scan class directory %q", classDir)
		}
		slices.Sort(paths)
		for _, path := range paths {
			index.Examples = append(index.Examples, Example{Path: path, Label: int32(label)})
		}
	}
	if len(index.Examples) == 0 {
		return nil, errors.Errorf("no images (%s) found under %q", strings.Join(Extensions, ", "), root)
	}
	return index, nil
}

// ClassCounts returns the number of images of each class.
func (index *Index) ClassCounts() []int {
	counts := make([]int, len(index.Classes))
	for _, example := range index.Examples {
		counts[example.Label]++
	}
	return counts
}
