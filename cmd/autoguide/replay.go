package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/image/tiff"

	"github.com/banshee-data/autoguide/internal/fsutil"
	"github.com/banshee-data/autoguide/internal/guide/frame"
)

// FrameSource delivers guide camera frames in order. Next returns io.EOF
// when there are no more frames.
type FrameSource interface {
	Next(ctx context.Context) (*frame.Frame, error)
}

// ReplaySource reads PNG and TIFF frames from a directory in name order.
type ReplaySource struct {
	fs    fsutil.FileSystem
	dir   string
	names []string
	next  int
}

// NewReplaySource lists the frames in dir. It fails when there are none.
func NewReplaySource(fs fsutil.FileSystem, dir string) (*ReplaySource, error) {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	entries, err := fs.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list frames in %s: %w", dir, err)
	}
	var names []string
	for _, name := range entries {
		switch strings.ToLower(filepath.Ext(name)) {
		case ".png", ".tif", ".tiff":
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no PNG or TIFF frames in %s", dir)
	}
	sort.Strings(names)
	return &ReplaySource{fs: fs, dir: dir, names: names}, nil
}

// Len returns the number of frames.
func (r *ReplaySource) Len() int { return len(r.names) }

// Next implements FrameSource.
func (r *ReplaySource) Next(ctx context.Context) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.next >= len(r.names) {
		return nil, io.EOF
	}
	name := r.names[r.next]
	r.next++

	data, err := r.fs.ReadFile(filepath.Join(r.dir, name))
	if err != nil {
		return nil, fmt.Errorf("read frame %s: %w", name, err)
	}
	img, err := decodeFrame(name, data)
	if err != nil {
		return nil, fmt.Errorf("decode frame %s: %w", name, err)
	}
	return frame.FromImage(img), nil
}

func decodeFrame(name string, data []byte) (image.Image, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".tif", ".tiff":
		return tiff.Decode(bytes.NewReader(data))
	default:
		return png.Decode(bytes.NewReader(data))
	}
}
