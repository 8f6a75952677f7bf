package framebuf

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
)

// DefaultJPEGQuality is used when encoding raw frames.
const DefaultJPEGQuality = 85

// ErrFrameSize is returned when a raw frame's data does not match its dimensions.
var ErrFrameSize = errors.New("framebuf: frame data does not match dimensions")

// JPEG returns the frame as JPEG bytes. JPEG frames are returned as-is;
// RGB frames are encoded at the given quality.
func (f Frame) JPEG(quality int) ([]byte, error) {
	switch f.Format {
	case FormatJPEG:
		return f.Data, nil
	case FormatRGB:
		img, err := f.rgba()
		if err != nil {
			return nil, err
		}
		if quality <= 0 || quality > 100 {
			quality = DefaultJPEGQuality
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode frame %d: %w", f.Seq, err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("framebuf: unsupported frame format %s", f.Format)
	}
}

func (f Frame) rgba() (*image.RGBA, error) {
	if f.Width <= 0 || f.Height <= 0 || len(f.Data) != f.Width*f.Height*3 {
		return nil, fmt.Errorf("%w: %dx%d with %d bytes", ErrFrameSize, f.Width, f.Height, len(f.Data))
	}
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i, j := 0, 0; i < len(f.Data); i, j = i+3, j+4 {
		img.Pix[j] = f.Data[i]
		img.Pix[j+1] = f.Data[i+1]
		img.Pix[j+2] = f.Data[i+2]
		img.Pix[j+3] = 0xff
	}
	return img, nil
}

// DecodeJPEGConfig fills Width and Height for a JPEG frame from its header.
func DecodeJPEGConfig(data []byte) (width, height int, err error) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}
