// Package probe reads image dimensions without decoding pixel data.
package probe

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/vegann/dataset-tools/pkg/config"
	apperrors "github.com/vegann/dataset-tools/pkg/errors"
)

// Dimensions is the pixel size of an image. Format is the registered
// decoder name ("png", "jpeg", ...) and is empty for defaulted sizes.
type Dimensions struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format,omitempty"`
}

// Prober returns the dimensions of the image at path.
type Prober interface {
	Probe(ctx context.Context, path string) (Dimensions, error)
}

// Decoder reads the image header with image.DecodeConfig.
type Decoder struct{}

// Probe returns ErrMissingResource when the file is absent and ErrUndecodable
// when its header is not a registered image format.
func (Decoder) Probe(ctx context.Context, path string) (Dimensions, error) {
	if err := ctx.Err(); err != nil {
		return Dimensions{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Dimensions{}, fmt.Errorf("image %s: %w", path, apperrors.ErrMissingResource)
		}
		return Dimensions{}, fmt.Errorf("opening image %s: %w", path, err)
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return Dimensions{}, fmt.Errorf("decoding %s: %v: %w", path, err, apperrors.ErrUndecodable)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Dimensions{}, fmt.Errorf("image %s has size %dx%d: %w", path, cfg.Width, cfg.Height, apperrors.ErrUndecodable)
	}
	return Dimensions{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}

// Sizer applies the undecodable-image policy on top of a Prober.
type Sizer struct {
	prober   Prober
	policy   string
	fallback Dimensions
	logger   *slog.Logger
}

// NewSizer wraps p with the policy from cfg.
func NewSizer(p Prober, cfg config.ProbeConfig) *Sizer {
	return &Sizer{
		prober:   p,
		policy:   cfg.Undecodable,
		fallback: Dimensions{Width: cfg.DefaultWidth, Height: cfg.DefaultHeight},
		logger:   slog.Default().With("component", "probe"),
	}
}

// Size returns the dimensions of path. When the image cannot be decoded and
// the policy is "default", the configured size is returned with defaulted
// set. Otherwise the probe error is returned unchanged.
func (s *Sizer) Size(ctx context.Context, path string) (dims Dimensions, defaulted bool, err error) {
	dims, err = s.prober.Probe(ctx, path)
	if err == nil {
		return dims, false, nil
	}
	if errors.Is(err, apperrors.ErrUndecodable) && s.policy == config.UndecodableDefault {
		s.logger.Warn("undecodable image, using default size",
			"path", path, "width", s.fallback.Width, "height", s.fallback.Height, "error", err)
		return s.fallback, true, nil
	}
	return Dimensions{}, false, err
}
