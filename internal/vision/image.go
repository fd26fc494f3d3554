package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"github.com/your-org/checkpoint/internal/models"
)

// channel normalization presets: pixel = (pixel - mean) / std
var (
	detectorMean = [3]float32{127.5, 127.5, 127.5}
	detectorStd  = [3]float32{128.0, 128.0, 128.0}

	// maps 8-bit channels onto [-1, 1]
	embedderMean = [3]float32{127.5, 127.5, 127.5}
	embedderStd  = [3]float32{127.5, 127.5, 127.5}
)

// DecodeImage decodes a JPEG or PNG payload.
func DecodeImage(data []byte) (image.Image, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err == nil {
		return img, nil
	}
	img, _, err = image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// EncodeJPEG encodes an image as JPEG with the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// toCHW converts an image to a CHW float32 tensor at the target size.
func toCHW(img image.Image, targetW, targetH int, mean, std [3]float32) []float32 {
	resized := resize(img, targetW, targetH)
	plane := targetW * targetH
	data := make([]float32, 3*plane)

	for y := 0; y < targetH; y++ {
		for x := 0; x < targetW; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			idx := y*targetW + x
			data[idx] = (float32(r>>8) - mean[0]) / std[0]
			data[plane+idx] = (float32(g>>8) - mean[1]) / std[1]
			data[2*plane+idx] = (float32(b>>8) - mean[2]) / std[2]
		}
	}
	return data
}

// toGray converts an image to a single-channel tensor scaled to [0, 1].
func toGray(img image.Image, targetW, targetH int) []float32 {
	resized := resize(img, targetW, targetH)
	data := make([]float32, targetW*targetH)
	for y := 0; y < targetH; y++ {
		for x := 0; x < targetW; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			lum := 0.299*float32(r>>8) + 0.587*float32(g>>8) + 0.114*float32(b>>8)
			data[y*targetW+x] = lum / 255
		}
	}
	return data
}

// resize performs a nearest-neighbour resize into an RGBA image anchored at 0,0.
func resize(img image.Image, targetW, targetH int) *image.RGBA {
	bounds := img.Bounds()
	srcW := bounds.Dx()
	srcH := bounds.Dy()

	dst := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
	for y := 0; y < targetH; y++ {
		for x := 0; x < targetW; x++ {
			srcX := bounds.Min.X + x*srcW/targetW
			srcY := bounds.Min.Y + y*srcH/targetH
			dst.Set(x, y, img.At(srcX, srcY))
		}
	}
	return dst
}

// Crop extracts box from img with 10% padding per side, clamped to the image.
// Returns nil when the box does not overlap the image.
func Crop(img image.Image, box models.BoundingBox) image.Image {
	bounds := img.Bounds()

	r := image.Rect(int(box.X1), int(box.Y1), int(box.X2), int(box.Y2)).Intersect(bounds)
	if r.Empty() {
		return nil
	}

	padW := r.Dx() / 10
	padH := r.Dy() / 10
	r = image.Rect(r.Min.X-padW, r.Min.Y-padH, r.Max.X+padW, r.Max.Y+padH).Intersect(bounds)

	return cropRect(img, r)
}

// cropRect copies r out of img into a new image anchored at 0,0.
func cropRect(img image.Image, r image.Rectangle) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			out.Set(x-r.Min.X, y-r.Min.Y, img.At(x, y))
		}
	}
	return out
}
