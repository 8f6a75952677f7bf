// Package clip turns a snapshot of buffered frames into a playable video file.
package clip

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/icza/mjpeg"

	"evidenced/internal/framebuf"
)

// Extension is the container suffix of materialized clips.
const Extension = ".avi"

const partSuffix = ".part"

var (
	// ErrNoFrames is wrapped when a snapshot is empty.
	ErrNoFrames = errors.New("clip: no frames")
	// ErrDimensions is wrapped when frames in one snapshot differ in size.
	ErrDimensions = errors.New("clip: frame dimensions differ")
)

// IOError reports a failed materialization. No file is left at the
// output path when it is returned.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("clip: write %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Clip describes a materialized video file.
type Clip struct {
	CameraID   string
	EventKind  string
	Path       string
	StartTime  time.Time
	EndTime    time.Time
	FrameRate  float64
	FrameCount int
	Width      int
	Height     int
	Size       int64
}

// Materializer writes frame snapshots as MJPEG AVI files.
type Materializer struct {
	// JPEGQuality is used for raw RGB frames. Zero means framebuf.DefaultJPEGQuality.
	JPEGQuality int
}

// NewMaterializer returns a materializer encoding raw frames at quality.
func NewMaterializer(quality int) *Materializer {
	return &Materializer{JPEGQuality: quality}
}

// Materialize encodes frames, in order, into a video at outPath played back
// at fps. The file is written under a temporary name and renamed into place
// once complete.
func (m *Materializer) Materialize(frames []framebuf.Frame, outPath string, fps float64) (*Clip, error) {
	if len(frames) == 0 {
		return nil, &IOError{Path: outPath, Err: ErrNoFrames}
	}

	width, height, err := dimensions(frames[0])
	if err != nil {
		return nil, &IOError{Path: outPath, Err: err}
	}

	part := outPath + partSuffix
	if err := m.write(frames, part, width, height, fps); err != nil {
		os.Remove(part)
		return nil, &IOError{Path: outPath, Err: err}
	}
	if err := os.Rename(part, outPath); err != nil {
		os.Remove(part)
		return nil, &IOError{Path: outPath, Err: err}
	}

	info, err := os.Stat(outPath)
	if err != nil {
		os.Remove(outPath)
		return nil, &IOError{Path: outPath, Err: err}
	}

	start, end := framebuf.Window(frames)
	return &Clip{
		Path:       outPath,
		StartTime:  start,
		EndTime:    end,
		FrameRate:  fps,
		FrameCount: len(frames),
		Width:      width,
		Height:     height,
		Size:       info.Size(),
	}, nil
}

func (m *Materializer) write(frames []framebuf.Frame, path string, width, height int, fps float64) (err error) {
	aw, err := mjpeg.New(path, int32(width), int32(height), playbackRate(fps))
	if err != nil {
		return err
	}
	// Close also removes the writer's index scratch file, so it runs on
	// every path.
	defer func() {
		if cerr := aw.Close(); err == nil {
			err = cerr
		}
	}()

	for _, f := range frames {
		w, h, err := dimensions(f)
		if err != nil {
			return err
		}
		if w != width || h != height {
			return fmt.Errorf("%w: frame %d is %dx%d, clip is %dx%d", ErrDimensions, f.Seq, w, h, width, height)
		}
		data, err := f.JPEG(m.JPEGQuality)
		if err != nil {
			return err
		}
		if err := aw.AddFrame(data); err != nil {
			return fmt.Errorf("add frame %d: %w", f.Seq, err)
		}
	}
	return nil
}

func dimensions(f framebuf.Frame) (int, int, error) {
	if f.Width > 0 && f.Height > 0 {
		return f.Width, f.Height, nil
	}
	if f.Format != framebuf.FormatJPEG {
		return 0, 0, fmt.Errorf("%w: frame %d has no dimensions", framebuf.ErrFrameSize, f.Seq)
	}
	w, h, err := framebuf.DecodeJPEGConfig(f.Data)
	if err != nil {
		return 0, 0, fmt.Errorf("frame %d: %w", f.Seq, err)
	}
	return w, h, nil
}

func playbackRate(fps float64) int32 {
	r := int32(math.Round(fps))
	if r < 1 {
		return int32(framebuf.DefaultFrameRate)
	}
	return r
}

// Name returns the base name, without extension, of a clip for an event:
// <camera>_<kind>_<YYYYMMDD_HHMMSS>. Characters outside [A-Za-z0-9.-_]
// become underscores.
func Name(cameraID, kind string, t time.Time) string {
	return fmt.Sprintf("%s_%s_%s", safe(cameraID), safe(kind), t.Format("20060102_150405"))
}

func safe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// ClipName returns the file name of a clip for an event.
func ClipName(cameraID, kind string, t time.Time) string {
	return Name(cameraID, kind, t) + Extension
}
