package testutil

import (
	"os"
	"path/filepath"
)

// CleanDir removes everything in dirname except the entries named in keeps. A missing
// dirname is already clean.
func CleanDir(dirname string, keeps []string) error {
	entries, err := os.ReadDir(dirname)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}

	keep := map[string]bool{}
	for _, k := range keeps {
		keep[k] = true
	}
	for _, ent := range entries {
		if keep[ent.Name()] {
			continue
		}
		err = os.RemoveAll(filepath.Join(dirname, ent.Name()))
		if err != nil {
			return err
		}
	}
	return nil
}
