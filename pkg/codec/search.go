// Package codec implements the quality search that re-encodes an image at
// decreasing quality until its encoded size fits a byte ceiling.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"math"

	// Registered decoders for image.Decode.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	// MaxQuality is the quality every search starts at.
	MaxQuality = 100

	// MinQuality is the floor. A search that reaches it stops and accepts the
	// attempt even if it is over the ceiling.
	MinQuality = 5

	// MaxAttempts bounds the number of encodes a single search may perform.
	MaxAttempts = 30
)

var (
	// ErrUndecodable is returned when the source bytes are not a supported image.
	ErrUndecodable = errors.New("source image is not decodable")

	// ErrCancelled is returned when the cancel hook reports true between attempts.
	ErrCancelled = errors.New("search cancelled")

	// ErrInvalidCeiling is returned for a negative ceiling.
	ErrInvalidCeiling = errors.New("ceiling must be >= 0")
)

// Attempt is one encode in the search trail.
type Attempt struct {
	Quality int   `json:"quality"`
	Size    int64 `json:"size"`
}

// Result is the accepted encode of a search.
type Result struct {
	// Bytes holds the accepted encode only.
	Bytes []byte

	Quality int
	Size    int64

	// BestEffort is set when the floor was reached without meeting the ceiling.
	BestEffort bool

	// Attempts is the full (quality, size) trail in encode order.
	Attempts []Attempt

	// Format is the decoder name reported by image.Decode ("png", "jpeg", ...).
	// Empty for SearchImage.
	Format string
}

type options struct {
	encoder Encoder
	cancel  func() bool
}

// Option configures a search.
type Option func(*options)

// WithEncoder replaces the default JPEG encoder.
func WithEncoder(enc Encoder) Option {
	return func(o *options) {
		if enc != nil {
			o.encoder = enc
		}
	}
}

// WithCancel installs a hook polled between attempts. It is never consulted
// while an encode is in progress.
func WithCancel(fn func() bool) Option {
	return func(o *options) {
		o.cancel = fn
	}
}

// Search decodes raw once and runs the quality search against ceiling.
func Search(raw []byte, ceiling int64, opts ...Option) (*Result, error) {
	if ceiling < 0 {
		return nil, ErrInvalidCeiling
	}
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	res, err := SearchImage(img, ceiling, opts...)
	if err != nil {
		return nil, err
	}
	res.Format = format
	return res, nil
}

// SearchImage runs the quality search on an already decoded image.
func SearchImage(img image.Image, ceiling int64, opts ...Option) (*Result, error) {
	if ceiling < 0 {
		return nil, ErrInvalidCeiling
	}
	if img == nil {
		return nil, ErrUndecodable
	}

	o := options{encoder: JPEGEncoder{}}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		quality  = MaxQuality
		attempts = make([]Attempt, 0, 28)
		buf      bytes.Buffer
	)
	for {
		if o.cancel != nil && o.cancel() {
			return nil, ErrCancelled
		}
		if len(attempts) >= MaxAttempts {
			// Unreachable with the default step schedule.
			return nil, fmt.Errorf("search exceeded %d attempts", MaxAttempts)
		}

		buf.Reset()
		if err := o.encoder.Encode(&buf, img, quality); err != nil {
			return nil, fmt.Errorf("encode at quality %d: %w", quality, err)
		}
		size := int64(buf.Len())
		attempts = append(attempts, Attempt{Quality: quality, Size: size})

		fits := size <= ceiling
		if fits || quality <= MinQuality {
			out := make([]byte, buf.Len())
			copy(out, buf.Bytes())
			return &Result{
				Bytes:      out,
				Quality:    quality,
				Size:       size,
				BestEffort: !fits,
				Attempts:   attempts,
			}, nil
		}

		quality = NextQuality(quality)
	}
}

// NextQuality returns the quality following q: a step of 10% of q, rounded,
// at least 1, never going below MinQuality.
func NextQuality(q int) int {
	step := int(math.Round(float64(q) * 0.10))
	if step < 1 {
		step = 1
	}
	next := q - step
	if next < MinQuality {
		next = MinQuality
	}
	return next
}

// Trail returns the quality sequence a search visits when no attempt meets
// the ceiling.
func Trail() []int {
	trail := []int{MaxQuality}
	for q := MaxQuality; q > MinQuality; {
		q = NextQuality(q)
		trail = append(trail, q)
	}
	return trail
}
