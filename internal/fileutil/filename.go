package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// OutputBase returns the extension-less path transcripts for audioPath are
// written to: inside outDir when set, otherwise next to the audio.
func OutputBase(audioPath, outDir string) string {
	name := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	if outDir == "" {
		outDir = filepath.Dir(audioPath)
	}
	return filepath.Join(outDir, name)
}

// IsAudioFile reports whether path has one of exts (case-insensitive) and is
// not a hidden or partial download file.
func IsAudioFile(path string, exts []string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".part") || strings.HasSuffix(base, ".tmp") {
		return false
	}
	return slices.Contains(exts, strings.ToLower(filepath.Ext(base)))
}

// MoveInto moves path into dir, appending _2, _3, ... to the name when the
// destination already exists. It returns the new path.
func MoveInto(path, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return path, fmt.Errorf("create %s: %w", dir, err)
	}

	ext := filepath.Ext(path)
	base := strings.TrimSuffix(filepath.Base(path), ext)
	newPath := filepath.Join(dir, base+ext)
	for i := 2; ; i++ {
		if _, err := os.Stat(newPath); os.IsNotExist(err) {
			break
		}
		if i > 999 {
			return path, fmt.Errorf("no free name for %s in %s", base+ext, dir)
		}
		newPath = filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, i, ext))
	}

	if err := os.Rename(path, newPath); err != nil {
		return path, err
	}
	return newPath, nil
}
