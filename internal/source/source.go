// Package source provides core.Source adapters that deliver raw batches to
// the ingestion pipeline.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/cdp/internal/core"
)

// Static delivers the same batch on every fetch.
type Static struct {
	Batch core.Batch
	Err   error // returned instead of the batch when set
}

// FetchBatch implements core.Source.
func (s Static) FetchBatch(ctx context.Context) (core.Batch, error) {
	if err := ctx.Err(); err != nil {
		return core.Batch{}, err
	}
	if s.Err != nil {
		return core.Batch{}, s.Err
	}
	return s.Batch, nil
}

// Name returns the batch's source system.
func (s Static) Name() string {
	return s.Batch.Source
}

// File reads a batch from a YAML or JSON file on every fetch, so a poller
// picks up a file that is replaced between runs. The format is detected by
// extension; anything that is not .json is parsed as YAML.
type File struct {
	Path string

	// Source overrides the source system named in the file.
	Source string
}

// NewFile creates a file source.
func NewFile(path, sourceSystem string) *File {
	return &File{Path: path, Source: sourceSystem}
}

// FetchBatch implements core.Source.
func (f *File) FetchBatch(ctx context.Context) (core.Batch, error) {
	if err := ctx.Err(); err != nil {
		return core.Batch{}, err
	}

	fh, err := os.Open(f.Path)
	if err != nil {
		return core.Batch{}, fmt.Errorf("reading batch %s: %w", f.Path, err)
	}
	defer fh.Close()

	data, err := io.ReadAll(NewReader(fh))
	if err != nil {
		return core.Batch{}, fmt.Errorf("reading batch %s: %w", f.Path, err)
	}

	batch, err := Parse(data, filepath.Ext(f.Path))
	if err != nil {
		return core.Batch{}, fmt.Errorf("parsing batch %s: %w", f.Path, err)
	}
	if f.Source != "" {
		batch.Source = f.Source
	}
	return batch, nil
}

// Name returns the configured source system, or the file name.
func (f *File) Name() string {
	if f.Source != "" {
		return f.Source
	}
	return strings.TrimSuffix(filepath.Base(f.Path), filepath.Ext(f.Path))
}

// Parse decodes a batch document. ext selects the format (".json", ".yaml",
// ".yml"); an empty ext is treated as YAML, which also accepts JSON.
func Parse(data []byte, ext string) (core.Batch, error) {
	var batch core.Batch
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, &batch); err != nil {
			return core.Batch{}, err
		}
	default:
		if err := yaml.Unmarshal(data, &batch); err != nil {
			return core.Batch{}, err
		}
	}
	return batch, nil
}
