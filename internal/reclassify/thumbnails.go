// thumbnails.go: sprite sheet and WebVTT track built from sampled frames, so
// the UI can scrub the clip without refetching it.
package reclassify

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"strings"
	"time"

	"github.com/tphakala/birdframe/internal/classifier"
)

const (
	thumbWidth  = 160
	thumbHeight = 90
)

// buildSprite composes the sampled frames into a single horizontal sprite
// strip. Frames that fail to decode leave a gray cell.
func buildSprite(frames [][]byte) ([]byte, error) {
	if len(frames) == 0 {
		return nil, nil
	}

	sprite := image.NewRGBA(image.Rect(0, 0, thumbWidth*len(frames), thumbHeight))
	for i, frame := range frames {
		img, _, err := image.Decode(bytes.NewReader(frame))
		if err != nil {
			continue
		}
		thumb := classifier.Letterbox(img, thumbWidth, thumbHeight)
		target := image.Rect(i*thumbWidth, 0, (i+1)*thumbWidth, thumbHeight)
		draw.Draw(sprite, target, thumb, image.Point{}, draw.Src)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, sprite, &jpeg.Options{Quality: 80}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// buildVTT maps clip time ranges to sprite cells. Each sampled offset covers
// the span until the next one.
func buildVTT(offsets []time.Duration, clipLength time.Duration, spriteName string) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n")

	for i, offset := range offsets {
		end := clipLength
		if i+1 < len(offsets) {
			end = offsets[i+1]
		}
		fmt.Fprintf(&b, "\n%s --> %s\n%s#xywh=%d,0,%d,%d\n",
			vttTimestamp(offset), vttTimestamp(end),
			spriteName, i*thumbWidth, thumbWidth, thumbHeight)
	}
	return b.String()
}

func vttTimestamp(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	ms := int(d.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}
