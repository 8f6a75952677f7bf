package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"evidenced/internal/framebuf"
)

// Source yields frames from a camera or a recording. Next returns io.EOF
// once the stream has ended.
type Source interface {
	Next(ctx context.Context) (framebuf.Frame, error)
	// FrameRate returns the native rate, or 0 when the source cannot tell.
	FrameRate() float64
}

// IsFrameFile reports whether name looks like a JPEG frame.
func IsFrameFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return true
	}
	return false
}

// DirSource replays the JPEG files of a directory in name order.
type DirSource struct {
	files []string
	pos   int
	rate  float64
	pace  bool
	last  time.Time
}

// NewDirSource lists dir once. With pace set, Next sleeps so that frames
// are delivered at rate frames per second.
func NewDirSource(dir string, rate float64, pace bool) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !IsFrameFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return &DirSource{files: files, rate: rate, pace: pace && rate > 0}, nil
}

// FrameRate returns the configured replay rate.
func (s *DirSource) FrameRate() float64 { return s.rate }

// Remaining returns the number of frames not yet delivered.
func (s *DirSource) Remaining() int { return len(s.files) - s.pos }

// Next reads the next frame file.
func (s *DirSource) Next(ctx context.Context) (framebuf.Frame, error) {
	if s.pos >= len(s.files) {
		return framebuf.Frame{}, io.EOF
	}
	if s.pace && !s.last.IsZero() {
		wait := time.Until(s.last.Add(time.Duration(float64(time.Second) / s.rate)))
		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return framebuf.Frame{}, ctx.Err()
			case <-t.C:
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return framebuf.Frame{}, err
	}

	path := s.files[s.pos]
	s.pos++
	s.last = time.Now()
	return readFrame(path, s.last)
}

func readFrame(path string, at time.Time) (framebuf.Frame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return framebuf.Frame{}, fmt.Errorf("read frame %s: %w", filepath.Base(path), err)
	}
	w, h, err := framebuf.DecodeJPEGConfig(data)
	if err != nil {
		return framebuf.Frame{}, fmt.Errorf("decode frame %s: %w", filepath.Base(path), err)
	}
	return framebuf.Frame{
		Timestamp: at,
		Width:     w,
		Height:    h,
		Format:    framebuf.FormatJPEG,
		Data:      data,
	}, nil
}
