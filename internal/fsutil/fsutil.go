package fsutil

import (
	"os"
	"path/filepath"
	"strings"
)

var fitsExts = map[string]struct{}{
	".fits": {},
	".fit":  {},
	".fts":  {},
}

var rasterExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".tif":  {},
	".tiff": {},
}

// ListFrames returns all solvable files under root.
func ListFrames(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsFrame(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsFITS checks if a file has a FITS extension.
func IsFITS(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := fitsExts[ext]
	return ok
}

// IsFrame checks if a file is any format the solver loads without ImageMagick.
func IsFrame(path string) bool {
	if IsFITS(path) {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := rasterExts[ext]
	return ok
}

// SeparateFITSAndRaster splits FITS frames from ordinary images.
func SeparateFITSAndRaster(files []string) (fitsFiles, rasterFiles []string) {
	for _, file := range files {
		if IsFITS(file) {
			fitsFiles = append(fitsFiles, file)
		} else if IsFrame(file) {
			rasterFiles = append(rasterFiles, file)
		}
	}
	return fitsFiles, rasterFiles
}

// WithExt replaces the extension of path.
func WithExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}

// SolutionPath names the rendered solution for input, next to it. The
// renderer appends the encoder's extension.
func SolutionPath(input string) string {
	return WithExt(input, "") + "-solution"
}
