package worker

import (
	"image"
	"image/draw"
)

// Thumbnail scales src down so that neither side exceeds size, keeping the
// aspect ratio. Images that already fit are copied unscaled.
func Thumbnail(src image.Image, size int) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > size || h > size {
		if w >= h {
			h = max(h*size/w, 1)
			w = size
		} else {
			w = max(w*size/h, 1)
			h = size
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst
	}

	// nearest neighbour
	for y := 0; y < h; y++ {
		sy := b.Min.Y + y*b.Dy()/h
		for x := 0; x < w; x++ {
			sx := b.Min.X + x*b.Dx()/w
			dst.Set(x, y, src.At(sx, sy))
		}
	}
	return dst
}
