// Package backup exports every link to a CSV archive and ships it to a
// local directory, an S3 bucket, or both.
package backup

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/shortlinker/shortlinker/pkg/config"
	"github.com/shortlinker/shortlinker/pkg/database"
	"github.com/shortlinker/shortlinker/pkg/link"
	"github.com/shortlinker/shortlinker/pkg/s3"
)

var (
	// ErrNoDestination is returned when neither a local directory nor an
	// S3 bucket is configured.
	ErrNoDestination = errors.New("no backup destination configured")

	// ErrBackupBusy is returned when a run is requested while another one
	// is still writing.
	ErrBackupBusy = errors.New("a backup is already running")
)

// Uploader ships a finished archive to remote storage.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
}

// Result describes a completed backup run.
type Result struct {
	Archive      string        `json:"archive"`
	Links        int           `json:"links"`
	Bytes        int64         `json:"bytes"`
	Took         time.Duration `json:"took"`
	Destinations []string      `json:"destinations"`
}

// Runner exports links into compressed CSV archives. A Runner is safe
// for concurrent use; overlapping runs are refused rather than queued.
type Runner struct {
	links  *link.Service
	handle *config.Handle
	clock  clockwork.Clock

	mu sync.Mutex

	newUploader func(s3.Config) (Uploader, error)
}

// NewRunner returns a Runner reading its destinations and codec from
// handle on every run. A nil clock selects the real one.
func NewRunner(links *link.Service, handle *config.Handle, clock clockwork.Clock) *Runner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Runner{
		links:       links,
		handle:      handle,
		clock:       clock,
		newUploader: newMinioUploader,
	}
}

// Run exports all links to a timestamped archive and writes it to every
// configured destination. A manual run works whether or not the backup
// schedule is enabled.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if !r.mu.TryLock() {
		recordRun(ctx, "busy")

		return nil, ErrBackupBusy
	}
	defer r.mu.Unlock()

	start := r.clock.Now()
	rt := r.handle.Load()

	comp, err := ParseCompression(rt.BackupCompression)
	if err != nil {
		recordRun(ctx, "error")

		return nil, err
	}

	wantS3 := rt.BackupS3Endpoint != "" && rt.BackupS3Bucket != ""
	if rt.BackupLocalDir == "" && !wantS3 {
		recordRun(ctx, "error")

		return nil, ErrNoDestination
	}

	name := archiveName(start, comp)

	// The archive is spooled to a temporary file first so the upload
	// knows its size and a failed export never leaves a torn archive at
	// a destination.
	spool, err := os.CreateTemp("", "shortlinker-backup-*")
	if err != nil {
		recordRun(ctx, "error")

		return nil, fmt.Errorf("error creating the spool file: %w", err)
	}

	defer func() {
		//nolint:errcheck
		spool.Close()
		//nolint:errcheck
		os.Remove(spool.Name())
	}()

	count, err := r.writeArchive(ctx, spool, comp)
	if err != nil {
		recordRun(ctx, "error")

		return nil, fmt.Errorf("error writing the archive: %w", err)
	}

	size, err := spool.Seek(0, io.SeekEnd)
	if err != nil {
		recordRun(ctx, "error")

		return nil, fmt.Errorf("error sizing the spool file: %w", err)
	}

	res := &Result{
		Archive: name,
		Links:   count,
		Bytes:   size,
	}

	if rt.BackupLocalDir != "" {
		dst, err := copyLocal(spool, rt.BackupLocalDir, name)
		if err != nil {
			recordRun(ctx, "error")

			return nil, err
		}

		res.Destinations = append(res.Destinations, dst)
	}

	if wantS3 {
		dst, err := r.upload(ctx, spool, rt, name, size, comp)
		if err != nil {
			recordRun(ctx, "error")

			return nil, err
		}

		res.Destinations = append(res.Destinations, dst)
	}

	res.Took = r.clock.Since(start)

	recordRun(ctx, "ok")
	recordBytes(ctx, size)

	zerolog.Ctx(ctx).
		Info().
		Str("archive", res.Archive).
		Int("links", res.Links).
		Int64("bytes", res.Bytes).
		Dur("took", res.Took).
		Strs("destinations", res.Destinations).
		Msg("backup finished")

	return res, nil
}

// writeArchive streams every link through the CSV encoder and the
// compression codec into w.
func (r *Runner) writeArchive(ctx context.Context, w io.Writer, comp Compression) (int, error) {
	cw, err := comp.NewWriter(w)
	if err != nil {
		return 0, err
	}

	out := csv.NewWriter(cw)

	if err := out.Write(link.CSVHeader()); err != nil {
		//nolint:errcheck
		cw.Close()

		return 0, err
	}

	var count int

	err = r.links.ExportStream(ctx, func(l *database.ShortLink) error {
		count++

		return out.Write(link.CSVRecord(l))
	})
	if err != nil {
		//nolint:errcheck
		cw.Close()

		return 0, err
	}

	out.Flush()

	if err := out.Error(); err != nil {
		//nolint:errcheck
		cw.Close()

		return 0, err
	}

	return count, cw.Close()
}

// copyLocal lands the spooled archive in dir under its final name. The
// copy goes through a temporary file in the same directory so readers
// never observe a partial archive.
func copyLocal(spool *os.File, dir, name string) (string, error) {
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("error rewinding the spool file: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("error creating the backup directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".shortlinker-backup-*")
	if err != nil {
		return "", fmt.Errorf("error creating the local archive: %w", err)
	}

	if _, err := io.Copy(tmp, spool); err != nil {
		//nolint:errcheck
		tmp.Close()
		//nolint:errcheck
		os.Remove(tmp.Name())

		return "", fmt.Errorf("error copying the archive: %w", err)
	}

	if err := tmp.Close(); err != nil {
		//nolint:errcheck
		os.Remove(tmp.Name())

		return "", fmt.Errorf("error closing the local archive: %w", err)
	}

	dst := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		//nolint:errcheck
		os.Remove(tmp.Name())

		return "", fmt.Errorf("error naming the local archive: %w", err)
	}

	return dst, nil
}

// upload ships the spooled archive to the configured bucket under
// shortlinker/<instance>/<name>.
func (r *Runner) upload(
	ctx context.Context,
	spool *os.File,
	rt *config.Runtime,
	name string,
	size int64,
	comp Compression,
) (string, error) {
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("error rewinding the spool file: %w", err)
	}

	up, err := r.newUploader(s3.Config{
		Bucket:          rt.BackupS3Bucket,
		Region:          rt.BackupS3Region,
		Endpoint:        rt.BackupS3Endpoint,
		AccessKeyID:     rt.BackupS3AccessKey,
		SecretAccessKey: rt.BackupS3SecretKey,
	})
	if err != nil {
		return "", err
	}

	contentType := "application/octet-stream"
	if comp == CompressionNone {
		contentType = "text/csv"
	}

	key := path.Join("shortlinker", rt.InstanceID, name)
	if err := up.Upload(ctx, key, spool, size, contentType); err != nil {
		return "", fmt.Errorf("error uploading the archive: %w", err)
	}

	return "s3://" + rt.BackupS3Bucket + "/" + key, nil
}

func archiveName(now time.Time, comp Compression) string {
	name := "shortlinker-" + now.UTC().Format("20060102T150405Z") + ".csv"
	if ext := comp.FileExtension(); ext != "" {
		name += "." + ext
	}

	return name
}

type minioUploader struct {
	client *minio.Client
	bucket string
}

func newMinioUploader(cfg s3.Config) (Uploader, error) {
	client, err := s3.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	return &minioUploader{client: client, bucket: cfg.Bucket}, nil
}

func (u *minioUploader) Upload(
	ctx context.Context,
	key string,
	body io.Reader,
	size int64,
	contentType string,
) error {
	_, err := u.client.PutObject(ctx, u.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})

	return err
}
