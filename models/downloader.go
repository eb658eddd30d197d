package models

import (
	"archive/tar"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ProgressFunc receives download progress (0-100).
type ProgressFunc func(progress float64)

const progressEvery = 500 * time.Millisecond

// DownloadFile fetches url into destPath. Data lands in destPath+".tmp"
// first and is renamed only once complete.
func DownloadFile(ctx context.Context, url, destPath string, expectedSize int64, onProgress ProgressFunc) (err error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	// http.DefaultClient has no timeout; large models take minutes and ctx
	// bounds the transfer.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", filepath.Base(destPath), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: %s", filepath.Base(destPath), resp.Status)
	}

	tmp := destPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	size := resp.ContentLength
	if size <= 0 {
		size = expectedSize
	}
	counter := &countingReader{r: resp.Body, total: size, report: onProgress}
	if _, err = io.Copy(f, counter); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(destPath), err)
	}
	if err = f.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp, destPath); err != nil {
		return err
	}
	if onProgress != nil {
		onProgress(100)
	}
	return nil
}

// countingReader reports how much of total has been read, throttled to
// progressEvery.
type countingReader struct {
	r      io.Reader
	total  int64
	read   int64
	last   time.Time
	report ProgressFunc
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.report != nil && c.total > 0 && n > 0 && time.Since(c.last) >= progressEvery {
		c.last = time.Now()
		c.report(min(100, float64(c.read)*100/float64(c.total)))
	}
	return n, err
}

// DownloadAndExtractTarBz2 fetches a tar.bz2 release archive and unpacks it
// into destDir. Fetching reports 0-90, unpacking the remainder.
func DownloadAndExtractTarBz2(ctx context.Context, url, destDir string, expectedSize int64, onProgress ProgressFunc) error {
	scaled := func(p float64) {
		if onProgress != nil {
			onProgress(p * 0.9)
		}
	}
	archive := filepath.Join(destDir, filepath.Base(url))
	if err := DownloadFile(ctx, url, archive, expectedSize, scaled); err != nil {
		return err
	}
	defer os.Remove(archive)

	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := extractTar(bzip2.NewReader(f), destDir); err != nil {
		return fmt.Errorf("unpack %s: %w", filepath.Base(archive), err)
	}
	if onProgress != nil {
		onProgress(100)
	}
	return nil
}

// extractTar writes the directories and regular files of a tar stream
// below destDir. Links and entries resolving outside destDir fail.
func extractTar(r io.Reader, destDir string) error {
	base, err := filepath.Abs(destDir)
	if err != nil {
		return err
	}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}

		target := filepath.Join(base, hdr.Name)
		if rel, err := filepath.Rel(base, target); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes %s", hdr.Name, destDir)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			err = os.MkdirAll(target, 0755)
		case tar.TypeReg:
			err = writeEntry(target, tr)
		case tar.TypeSymlink, tar.TypeLink:
			err = fmt.Errorf("archive entry %q is a link", hdr.Name)
		}
		if err != nil {
			return err
		}
	}
}

func writeEntry(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// FindOnnxModelInDir picks the model file out of an unpacked archive. An
// int8 build wins over the float one.
func FindOnnxModelInDir(dir string) (string, error) {
	var candidates []string
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.Type().IsRegular() && filepath.Ext(path) == ".onnx" {
			candidates = append(candidates, path)
		}
		return err
	})
	if walkErr != nil {
		return "", walkErr
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("%s holds no .onnx model", dir)
	}
	sort.Slice(candidates, func(i, j int) bool {
		qi := strings.Contains(filepath.Base(candidates[i]), "int8")
		qj := strings.Contains(filepath.Base(candidates[j]), "int8")
		if qi != qj {
			return qi
		}
		return candidates[i] < candidates[j]
	})
	return candidates[0], nil
}
