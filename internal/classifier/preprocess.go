// preprocess.go: image decoding and letterbox resizing for model input.
package classifier

import (
	"bytes"
	"fmt"
	"image"

	// Register decoders for the formats Frigate serves.
	_ "image/jpeg"
	_ "image/png"
)

// NormalizationRange selects how pixel values map into the model's input
// domain. It is carried in the loaded model's metadata, never hardcoded at
// call sites.
type NormalizationRange int

const (
	// NormalizeZeroOne maps pixels to [0,1].
	NormalizeZeroOne NormalizationRange = iota
	// NormalizeMinusOneOne maps pixels to [-1,1].
	NormalizeMinusOneOne
	// NormalizeRaw keeps pixels in [0,255], used by quantized models.
	NormalizeRaw
)

// Letterbox resizes img to width x height preserving aspect ratio, padding
// the remainder with mid-gray. Sampling is nearest-neighbor; classifier
// inputs are small enough that interpolation quality does not move scores.
func Letterbox(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))

	srcBounds := img.Bounds()
	srcW := srcBounds.Dx()
	srcH := srcBounds.Dy()
	if srcW == 0 || srcH == 0 {
		return dst
	}

	scale := min(float64(width)/float64(srcW), float64(height)/float64(srcH))
	newW := int(float64(srcW) * scale)
	newH := int(float64(srcH) * scale)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}
	offX := (width - newW) / 2
	offY := (height - newH) / 2

	const gray = 114
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := dst.PixOffset(x, y)
			dst.Pix[i+0] = gray
			dst.Pix[i+1] = gray
			dst.Pix[i+2] = gray
			dst.Pix[i+3] = 0xff
		}
	}

	for y := 0; y < newH; y++ {
		srcY := srcBounds.Min.Y + y*srcH/newH
		for x := 0; x < newW; x++ {
			srcX := srcBounds.Min.X + x*srcW/newW
			r, g, b, _ := img.At(srcX, srcY).RGBA()
			i := dst.PixOffset(offX+x, offY+y)
			dst.Pix[i+0] = uint8(r >> 8)
			dst.Pix[i+1] = uint8(g >> 8)
			dst.Pix[i+2] = uint8(b >> 8)
			dst.Pix[i+3] = 0xff
		}
	}

	return dst
}

// decodeAndPreprocess decodes an encoded image and returns the normalized
// float32 tensor data in HWC RGB order.
func decodeAndPreprocess(imageData []byte, width, height int, norm NormalizationRange) ([]float32, error) {
	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	boxed := Letterbox(img, width, height)

	out := make([]float32, width*height*3)
	j := 0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := boxed.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				v := float32(boxed.Pix[i+c])
				switch norm {
				case NormalizeZeroOne:
					v /= 255.0
				case NormalizeMinusOneOne:
					v = v/127.5 - 1.0
				case NormalizeRaw:
					// leave as 0..255
				}
				out[j] = v
				j++
			}
		}
	}
	return out, nil
}
