// Package iox writes files so that readers never observe a partial file
package iox

import (
	"bytes"
	"io"
	"os"
)

// WriteStreamToFile copies src into a temporary file next to dstFilename, and then renames it into place.
// On failure, dstFilename is untouched and the temporary file is removed.
func WriteStreamToFile(dstFilename string, src io.Reader) error {
	tempFile := dstFilename + ".tmp"
	dst, err := os.Create(tempFile)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempFile)
		return err
	}
	if err := os.Rename(tempFile, dstFilename); err != nil {
		os.Remove(tempFile)
		return err
	}
	return nil
}

func WriteFile(dstFilename string, data []byte) error {
	return WriteStreamToFile(dstFilename, bytes.NewReader(data))
}
