package progress

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"
)

// Thumbnail bounds and encoding quality for screenshot transmission.
const (
	thumbWidth   = 200
	thumbHeight  = 150
	thumbQuality = 70
)

// Thumbnail resamples an image to fit within 200x150 (aspect preserved)
// and encodes it as JPEG quality 70.
func Thumbnail(src image.Image) ([]byte, error) {
	bounds := src.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, fmt.Errorf("empty source image")
	}

	w, h := fitWithin(bounds.Dx(), bounds.Dy(), thumbWidth, thumbHeight)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: thumbQuality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// ThumbnailFile decodes the image at path and thumbnails it.
func ThumbnailFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open screenshot %s: %w", path, err)
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot %s: %w", path, err)
	}
	return Thumbnail(src)
}

// fitWithin scales (w, h) down to fit inside (maxW, maxH), preserving
// aspect ratio. Images already inside the box are left alone.
func fitWithin(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}
	var outW, outH int
	if w*maxH >= h*maxW {
		// Width-bound.
		outW = maxW
		outH = h * maxW / w
	} else {
		outH = maxH
		outW = w * maxH / h
	}
	if outW < 1 {
		outW = 1
	}
	if outH < 1 {
		outH = 1
	}
	return outW, outH
}
