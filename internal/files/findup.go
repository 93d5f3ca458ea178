package files

import (
	"fmt"
	"os"
	"path/filepath"
)

// FindUp looks for a regular file called name in dir and then in each of its parents.
// It returns "" if no directory up to the root has one.
func FindUp(name, dir string) (string, error) {
	curDir := dir
	for {
		path := filepath.Join(curDir, name)
		fi, err := os.Stat(path)
		switch {
		case err == nil && fi.Mode().IsRegular():
			return path, nil
		case err != nil && !os.IsNotExist(err):
			return "", fmt.Errorf("checking %s: %w", path, err)
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", nil
		}
		curDir = newDir
	}
}
