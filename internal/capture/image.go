// SPDX-License-Identifier: MIT

package capture

// DefaultScreenshotMaxEdge is the default bound on the longer screenshot
// edge after downscaling.
const DefaultScreenshotMaxEdge = 1600

// blackLuminanceThreshold is the per-channel ceiling at or below which a pixel
// counts as black. Shell surfaces and hardware-accelerated content can
// return frames of exact zeros; a tiny threshold also catches near-zero
// noise from composited captures.
const blackLuminanceThreshold = 3

// LooksBlack reports whether an RGBA frame is effectively all black.
// Sampling strides through the buffer rather than reading every pixel:
// a genuine black frame is uniform, so a sparse grid is sufficient.
func LooksBlack(rgba []byte) bool {
	if len(rgba) < 4 {
		return true
	}
	pixels := len(rgba) / 4
	stride := pixels / 4096
	if stride < 1 {
		stride = 1
	}
	for i := 0; i < pixels; i += stride {
		off := i * 4
		if rgba[off] > blackLuminanceThreshold ||
			rgba[off+1] > blackLuminanceThreshold ||
			rgba[off+2] > blackLuminanceThreshold {
			return false
		}
	}
	return true
}

// ScaleToMaxEdge bilinearly downscales an RGBA frame so its longer edge is
// at most maxEdge. Frames already within the bound are returned unchanged.
// Upscaling never happens.
func ScaleToMaxEdge(rgba []byte, w, h, maxEdge int) ([]byte, int, int) {
	if w <= 0 || h <= 0 || len(rgba) < w*h*4 {
		return rgba, w, h
	}
	longer := w
	if h > longer {
		longer = h
	}
	if longer <= maxEdge {
		return rgba, w, h
	}

	scale := float64(maxEdge) / float64(longer)
	dw := int(float64(w)*scale + 0.5)
	dh := int(float64(h)*scale + 0.5)
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}

	dst := make([]byte, dw*dh*4)
	xRatio := float64(w-1) / float64(maxInt(dw-1, 1))
	yRatio := float64(h-1) / float64(maxInt(dh-1, 1))

	for dy := 0; dy < dh; dy++ {
		sy := float64(dy) * yRatio
		y0 := int(sy)
		y1 := y0 + 1
		if y1 >= h {
			y1 = h - 1
		}
		fy := sy - float64(y0)

		for dx := 0; dx < dw; dx++ {
			sx := float64(dx) * xRatio
			x0 := int(sx)
			x1 := x0 + 1
			if x1 >= w {
				x1 = w - 1
			}
			fx := sx - float64(x0)

			di := (dy*dw + dx) * 4
			for c := 0; c < 4; c++ {
				p00 := float64(rgba[(y0*w+x0)*4+c])
				p10 := float64(rgba[(y0*w+x1)*4+c])
				p01 := float64(rgba[(y1*w+x0)*4+c])
				p11 := float64(rgba[(y1*w+x1)*4+c])

				top := p00 + (p10-p00)*fx
				bottom := p01 + (p11-p01)*fx
				dst[di+c] = byte(top + (bottom-top)*fy + 0.5)
			}
		}
	}
	return dst, dw, dh
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
