// Package mnist downloads and decodes the MNIST handwritten digit
// dataset in IDX format.
package mnist

import (
	"compress/gzip"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"digitserve/logging"
)

const (
	imagesFile = "train-images-idx3-ubyte.gz"
	labelsFile = "train-labels-idx1-ubyte.gz"

	imagesMagic = 0x00000803
	labelsMagic = 0x00000801
)

// Source fetches the MNIST training set over HTTP and caches the raw
// archives on disk so later runs work offline.
type Source struct {
	BaseURL string
	DataDir string
	Client  *http.Client
}

// Load returns the full training set as [0,1]-scaled pixel vectors and
// integer labels 0-9.
func (s *Source) Load(ctx context.Context) ([][]float64, []int, error) {
	imagesRaw, err := s.fetch(ctx, imagesFile)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch images: %w", err)
	}
	labelsRaw, err := s.fetch(ctx, labelsFile)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch labels: %w", err)
	}

	images, err := DecodeImages(imagesRaw)
	if err != nil {
		return nil, nil, err
	}
	labels, err := DecodeLabels(labelsRaw)
	if err != nil {
		return nil, nil, err
	}
	if len(images) != len(labels) {
		return nil, nil, fmt.Errorf("image/label count mismatch: %d vs %d", len(images), len(labels))
	}
	logging.L().Infow("mnist dataset loaded", "samples", len(images))
	return images, labels, nil
}

// fetch returns the decompressed file contents, downloading and caching
// the gzip archive if it is not on disk yet. A corrupt cached file is
// re-fetched once.
func (s *Source) fetch(ctx context.Context, name string) ([]byte, error) {
	path := filepath.Join(s.DataDir, name)

	raw, err := readGzip(path)
	if err == nil {
		return raw, nil
	}
	if !os.IsNotExist(err) {
		logging.L().Warnw("cached dataset file unreadable, refetching", "path", path, "error", err)
	}

	if err := s.download(ctx, name, path); err != nil {
		return nil, err
	}
	return readGzip(path)
}

func (s *Source) download(ctx context.Context, name, path string) error {
	if err := os.MkdirAll(s.DataDir, 0o755); err != nil {
		return err
	}

	url := s.BaseURL + "/" + name
	logging.L().Infow("downloading dataset file", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d for %s", resp.StatusCode, url)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readGzip(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}

// DecodeImages parses an IDX3 image file into [0,1]-scaled pixel vectors.
func DecodeImages(raw []byte) ([][]float64, error) {
	if len(raw) < 16 {
		return nil, errors.New("idx image file too short")
	}
	if binary.BigEndian.Uint32(raw[0:4]) != imagesMagic {
		return nil, errors.New("bad idx image magic")
	}
	count := int(binary.BigEndian.Uint32(raw[4:8]))
	rows := int(binary.BigEndian.Uint32(raw[8:12]))
	cols := int(binary.BigEndian.Uint32(raw[12:16]))

	size := rows * cols
	if len(raw) < 16+count*size {
		return nil, errors.New("idx image file truncated")
	}

	images := make([][]float64, count)
	for i := 0; i < count; i++ {
		vec := make([]float64, size)
		base := 16 + i*size
		for j := 0; j < size; j++ {
			vec[j] = float64(raw[base+j]) / 255.0
		}
		images[i] = vec
	}
	return images, nil
}

// DecodeLabels parses an IDX1 label file.
func DecodeLabels(raw []byte) ([]int, error) {
	if len(raw) < 8 {
		return nil, errors.New("idx label file too short")
	}
	if binary.BigEndian.Uint32(raw[0:4]) != labelsMagic {
		return nil, errors.New("bad idx label magic")
	}
	count := int(binary.BigEndian.Uint32(raw[4:8]))
	if len(raw) < 8+count {
		return nil, errors.New("idx label file truncated")
	}

	labels := make([]int, count)
	for i := 0; i < count; i++ {
		labels[i] = int(raw[8+i])
	}
	return labels, nil
}
