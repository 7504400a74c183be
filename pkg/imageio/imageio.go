// Package imageio loads annotated images and probes their dimensions.
//
// JPEG, PNG and WebP inputs are supported. Dimension probing reads only the
// image header when the format allows it and falls back to a full decode.
package imageio

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// ErrUnknownFormat is returned when no registered decoder accepts the file
var ErrUnknownFormat = errors.New("image: unknown format")

// ImageInfo contains basic image metadata
type ImageInfo struct {
	Width  int
	Height int
	Format string
}

// LoadImage loads an image from a file path with WebP support
func LoadImage(path string) (image.Image, error) {
	if img, err := imaging.Open(path, imaging.AutoOrientation(false)); err == nil {
		return img, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if img, err := webp.Decode(f); err == nil {
		return img, nil
	}
	if _, err := f.Seek(0, 0); err == nil {
		if img, _, err := image.Decode(f); err == nil {
			return img, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
}

// Dimensions returns the pixel size of the image at path
func Dimensions(path string) (ImageInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return ImageInfo{}, err
	}
	cfg, format, err := image.DecodeConfig(f)
	f.Close()
	if err == nil && cfg.Width > 0 && cfg.Height > 0 {
		return ImageInfo{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
	}

	img, err := LoadImage(path)
	if err != nil {
		return ImageInfo{}, err
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return ImageInfo{}, fmt.Errorf("image %s has empty bounds", path)
	}
	return ImageInfo{Width: b.Dx(), Height: b.Dy()}, nil
}

// PrepareImageForModel downsizes an image so its long side is at most maxDim
// (0 keeps the original size) and returns it base64-encoded
func PrepareImageForModel(img image.Image, format string, maxDim int, quality int) (string, error) {
	if maxDim > 0 {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > maxDim || h > maxDim {
			if w >= h {
				img = imaging.Resize(img, maxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, maxDim, imaging.Lanczos)
			}
		}
	}

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return "", err
		}
	default: // jpg
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return "", err
		}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
