// Package geometry derives a single bounding box and rectangular segmentation
// polygon from a binary mask image.
package geometry

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Threshold is the intensity a mask pixel must exceed to count as foreground.
const Threshold = 127

// BBox is an axis-aligned box in pixel units, origin at the image top-left.
// It serialises as the COCO [x, y, width, height] array.
type BBox struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Area returns Width*Height.
func (b BBox) Area() float64 {
	return b.Width * b.Height
}

// Polygon returns the four box corners: top-left, top-right, bottom-right,
// bottom-left.
func (b BBox) Polygon() Polygon {
	x2, y2 := b.X+b.Width, b.Y+b.Height
	return Polygon{b.X, b.Y, x2, b.Y, x2, y2, b.X, y2}
}

func (b BBox) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]float64{b.X, b.Y, b.Width, b.Height})
}

func (b *BBox) UnmarshalJSON(data []byte) error {
	var raw []float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 4 {
		return fmt.Errorf("bbox must have 4 values, got %d", len(raw))
	}
	b.X, b.Y, b.Width, b.Height = raw[0], raw[1], raw[2], raw[3]
	return nil
}

// Polygon is a flat sequence of x, y pairs.
type Polygon []float64

// Region is the geometry of one annotation. Area is the bounding-box area,
// not the foreground pixel count.
type Region struct {
	BBox         BBox
	Area         float64
	Segmentation Polygon
}

// FromBBox builds a Region whose segmentation is the box outline.
func FromBBox(b BBox) Region {
	return Region{
		BBox:         b,
		Area:         b.Area(),
		Segmentation: b.Polygon(),
	}
}

// FullImage is the fallback region covering the whole image.
func FullImage(width, height int) Region {
	return FromBBox(BBox{Width: float64(width), Height: float64(height)})
}

// Extract returns the minimal box around every pixel brighter than Threshold.
// ok is false when the mask has no foreground.
func Extract(mask image.Image) (region Region, ok bool) {
	b := mask.Bounds()
	minX, minY := b.Dx(), b.Dy()
	maxX, maxY := -1, -1

	gray, isGray := mask.(*image.Gray)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var v uint8
			if isGray {
				v = gray.Pix[gray.PixOffset(x, y)]
			} else {
				v = color.GrayModel.Convert(mask.At(x, y)).(color.Gray).Y
			}
			if v <= Threshold {
				continue
			}
			px, py := x-b.Min.X, y-b.Min.Y
			if px < minX {
				minX = px
			}
			if px > maxX {
				maxX = px
			}
			if py < minY {
				minY = py
			}
			if py > maxY {
				maxY = py
			}
		}
	}
	if maxX < 0 {
		return Region{}, false
	}
	return FromBBox(BBox{
		X:      float64(minX),
		Y:      float64(minY),
		Width:  float64(maxX - minX),
		Height: float64(maxY - minY),
	}), true
}

// ExtractFile decodes the mask at path and runs Extract. A missing or
// undecodable file yields ok == false; err explains why for diagnostics.
func ExtractFile(path string) (region Region, ok bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return Region{}, false, fmt.Errorf("opening mask %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return Region{}, false, fmt.Errorf("decoding mask %s: %w", path, err)
	}
	region, ok = Extract(img)
	return region, ok, nil
}
