package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	pngMagic  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}
)

// imageContentType sniffs the rendered image format.
// The static image endpoint may answer with either JPEG or PNG.
func imageContentType(data []byte) string {
	switch {
	case bytes.HasPrefix(data, jpegMagic):
		return "image/jpeg"
	case bytes.HasPrefix(data, pngMagic):
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

// ImageCheck is the verification result of one rendered image
type ImageCheck struct {
	Name        string
	SizeBytes   int64
	ContentType string
	InS3        *bool // nil when S3 was not checked
}

// ImageReport is the result of verifying an output directory
type ImageReport struct {
	Dir     string
	OK      bool
	Images  []ImageCheck
	Invalid []string // empty or not an image
	Missing []string // S3 keys that were missing
	Checked int      // images confirmed present in S3
	Errored []string // S3 keys that could not be checked
}

// objectChecker looks up uploaded images. *S3Client implements it.
type objectChecker interface {
	ObjectKey(fileName string) string
	HeadObject(ctx context.Context, key string) (int64, bool, error)
}

// Print logs the report details
func (r *ImageReport) Print() {
	logger := slog.With("dir", r.Dir, "images", len(r.Images))

	if r.OK {
		logger.Info("image verification PASSED")
	} else {
		logger.Error("image verification FAILED", "invalid", len(r.Invalid), "missing_in_s3", len(r.Missing), "s3_errors", len(r.Errored))
	}

	for _, name := range r.Invalid {
		slog.Error("invalid image", "file", name)
	}
	for _, key := range r.Missing {
		slog.Error("missing from S3", "key", key)
	}
	for _, key := range r.Errored {
		slog.Error("could not check S3 object", "key", key)
	}
}

// VerifyImageDirectory checks that every rendered image in dir is non-empty
// and starts with a JPEG or PNG signature.
func VerifyImageDirectory(dir string) (*ImageReport, error) {
	report := &ImageReport{Dir: dir}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read output directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".jpg") {
			continue
		}

		check, err := checkImage(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}

		report.Images = append(report.Images, check)
		if check.SizeBytes == 0 || check.ContentType == "application/octet-stream" {
			report.Invalid = append(report.Invalid, check.Name)
		}
	}

	sort.Strings(report.Invalid)
	report.OK = len(report.Invalid) == 0
	return report, nil
}

func checkImage(path string) (ImageCheck, error) {
	check := ImageCheck{Name: filepath.Base(path)}

	f, err := os.Open(path)
	if err != nil {
		return check, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return check, fmt.Errorf("failed to stat image: %w", err)
	}
	check.SizeBytes = info.Size()

	header := make([]byte, len(pngMagic))
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return check, fmt.Errorf("failed to read image header: %w", err)
	}
	check.ContentType = imageContentType(header[:n])

	return check, nil
}

// VerifyUploads checks that every image of the report exists in the bucket.
// An image that could not be checked fails the report.
func VerifyUploads(ctx context.Context, objects objectChecker, report *ImageReport) error {
	for i := range report.Images {
		if err := ctx.Err(); err != nil {
			return err
		}

		img := &report.Images[i]
		key := objects.ObjectKey(img.Name)

		size, exists, err := objects.HeadObject(ctx, key)
		if err != nil {
			slog.Warn("error checking image on S3", "key", key, "error", err)
			report.Errored = append(report.Errored, key)
			continue
		}

		img.InS3 = &exists
		if !exists {
			report.Missing = append(report.Missing, key)
			continue
		}
		report.Checked++
		if size != img.SizeBytes {
			slog.Warn("S3 object size differs from local image", "key", key, "s3_size", size, "local_size", img.SizeBytes)
		}
	}

	report.OK = len(report.Invalid) == 0 && len(report.Missing) == 0 &&
		len(report.Errored) == 0 && report.Checked == len(report.Images)
	return nil
}
