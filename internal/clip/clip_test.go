package clip

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evidenced/internal/framebuf"
)

var t0 = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func rgbFrames(n, w, h int) []framebuf.Frame {
	frames := make([]framebuf.Frame, n)
	for i := range frames {
		data := make([]byte, w*h*3)
		for j := range data {
			data[j] = byte(i + j)
		}
		frames[i] = framebuf.Frame{
			Seq:       uint64(i),
			Timestamp: t0.Add(time.Duration(i) * 50 * time.Millisecond),
			Width:     w,
			Height:    h,
			Format:    framebuf.FormatRGB,
			Data:      data,
		}
	}
	return frames
}

func jpegFrame(t *testing.T, seq uint64, w, h int) framebuf.Frame {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	img.Set(0, 0, color.Gray{Y: 255})
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return framebuf.Frame{Seq: seq, Timestamp: t0, Format: framebuf.FormatJPEG, Data: buf.Bytes()}
}

func TestMaterialize_RGB(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, ClipName("cam1", "melee", t0))
	frames := rgbFrames(40, 16, 12)

	c, err := NewMaterializer(0).Materialize(frames, out, 20)
	require.NoError(t, err)

	assert.Equal(t, out, c.Path)
	assert.Equal(t, 40, c.FrameCount)
	assert.Equal(t, 16, c.Width)
	assert.Equal(t, 12, c.Height)
	assert.Equal(t, 20.0, c.FrameRate)
	assert.Equal(t, frames[0].Timestamp, c.StartTime)
	assert.Equal(t, frames[39].Timestamp, c.EndTime)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), c.Size)
	require.Greater(t, len(data), 12)
	assert.Equal(t, "RIFF", string(data[:4]))
	assert.Equal(t, "AVI ", string(data[8:12]))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "only the finished clip should remain")
	assert.Equal(t, filepath.Base(out), entries[0].Name())
}

func TestMaterialize_JPEGWithoutDimensions(t *testing.T) {
	out := filepath.Join(t.TempDir(), "clip.avi")
	frames := []framebuf.Frame{jpegFrame(t, 1, 24, 16), jpegFrame(t, 2, 24, 16)}

	c, err := NewMaterializer(90).Materialize(frames, out, 15)
	require.NoError(t, err)
	assert.Equal(t, 24, c.Width)
	assert.Equal(t, 16, c.Height)
	assert.Equal(t, 2, c.FrameCount)
}

func TestMaterialize_Failures(t *testing.T) {
	dir := t.TempDir()

	mixed := append(rgbFrames(3, 16, 12), rgbFrames(1, 8, 8)...)
	short := rgbFrames(2, 16, 12)
	short[1].Data = short[1].Data[:10]

	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0600))

	tests := []struct {
		name   string
		frames []framebuf.Frame
		out    string
		target error
	}{
		{"empty snapshot", nil, filepath.Join(dir, "empty.avi"), ErrNoFrames},
		{"mixed dimensions", mixed, filepath.Join(dir, "mixed.avi"), ErrDimensions},
		{"truncated raw frame", short, filepath.Join(dir, "short.avi"), framebuf.ErrFrameSize},
		{"unwritable directory", rgbFrames(2, 8, 8), filepath.Join(blocker, "x.avi"), nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewMaterializer(0).Materialize(tc.frames, tc.out, 20)
			var ioe *IOError
			require.ErrorAs(t, err, &ioe)
			assert.Equal(t, tc.out, ioe.Path)
			if tc.target != nil {
				assert.ErrorIs(t, err, tc.target)
			}

			_, statErr := os.Stat(tc.out)
			assert.True(t, os.IsNotExist(statErr) || tc.target == nil, "output left behind")
			_, statErr = os.Stat(tc.out + partSuffix)
			assert.True(t, os.IsNotExist(statErr) || tc.target == nil, "partial file left behind")
		})
	}
}

func TestPlaybackRate(t *testing.T) {
	assert.Equal(t, int32(30), playbackRate(30))
	assert.Equal(t, int32(25), playbackRate(24.6))
	assert.Equal(t, int32(20), playbackRate(0))
	assert.Equal(t, int32(20), playbackRate(-1))
}

func TestClipName(t *testing.T) {
	assert.Equal(t, "cam1_melee_20250314_092653", Name("cam1", "melee", t0))
	assert.Equal(t, "lobby_mob_formation_20250314_092653.avi", ClipName("lobby", "mob_formation", t0))
	assert.Equal(t, ".._etc_fight_20250314_092653", Name("../etc", "fight", t0))
	assert.Equal(t, "cam_1_a_b_20250314_092653", Name("cam 1", "a/b", t0))
}
