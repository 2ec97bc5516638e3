package backup

import "github.com/shortlinker/shortlinker/pkg/s3"

// SetUploaderFactory swaps the constructor used to build the S3 uploader.
func (r *Runner) SetUploaderFactory(fn func(s3.Config) (Uploader, error)) {
	r.newUploader = fn
}

// HoldLock grabs the run lock and returns the unlock.
func (r *Runner) HoldLock() func() {
	r.mu.Lock()

	return r.mu.Unlock
}
