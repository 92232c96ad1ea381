package downloader

import "github.com/pkg/errors"

// ZipfileInvalidError is raised when download_zipfile exhausts its retries
// without ever receiving a response with valid ZIP magic bytes.
type ZipfileInvalidError struct {
	URL string
}

func (e *ZipfileInvalidError) Error() string {
	return errors.Errorf("zipfile invalid: %s", e.URL).Error()
}
