package codec

import (
	"image"
	"image/jpeg"
	"io"
)

// Encoder writes img to w at the given quality (1-100).
type Encoder interface {
	Encode(w io.Writer, img image.Image, quality int) error
}

// EncoderFunc adapts a function to the Encoder interface.
type EncoderFunc func(w io.Writer, img image.Image, quality int) error

func (f EncoderFunc) Encode(w io.Writer, img image.Image, quality int) error {
	return f(w, img, quality)
}

// JPEGEncoder encodes baseline JPEG with image/jpeg.
type JPEGEncoder struct{}

func (JPEGEncoder) Encode(w io.Writer, img image.Image, quality int) error {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}
