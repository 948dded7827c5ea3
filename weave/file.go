package weave

import (
	"errors"
	"io"
	"os"
)

// FileExists reports whether the named file exists.
func FileExists(filename string) bool {
	if _, err := os.Stat(filename); err != nil {
		return !os.IsNotExist(err)
	}
	return true
}

// replaceFile moves source over destination. When the platform refuses to rename over an existing file,
// the destination is moved aside first and restored if the final rename fails.
func replaceFile(source, destination string) error {
	err := os.Rename(source, destination)
	if err == nil || !FileExists(destination) {
		return err
	}

	backup := destination + ".bkp"
	if err := os.Rename(destination, backup); err != nil {
		return err
	}
	if err := os.Rename(source, destination); err != nil {
		return errors.Join(err, os.Rename(backup, destination))
	}
	return os.Remove(backup)
}

// CopyFile copies src to dst, syncing the written file.
func CopyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
