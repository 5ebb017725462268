package vision

import (
	"context"
	"fmt"
	"image"
	"math"
	"math/bits"
)

// lbpBins is the number of uniform 8-neighbour patterns plus one bin for all
// non-uniform patterns.
const lbpBins = 59

var lbpUniform = buildUniformTable()

// buildUniformTable maps each 8-bit pattern to its histogram bin. Patterns
// with at most two circular 0/1 transitions get their own bin.
func buildUniformTable() [256]uint8 {
	var table [256]uint8
	next := uint8(0)
	for p := 0; p < 256; p++ {
		rotated := uint8(p)<<1 | uint8(p)>>7
		if bits.OnesCount8(uint8(p)^rotated) <= 2 {
			table[p] = next
			next++
		} else {
			table[p] = lbpBins - 1
		}
	}
	return table
}

// LBPEmbedder describes a face by a grid of uniform local binary pattern
// histograms. It needs no model files and is fully deterministic.
type LBPEmbedder struct {
	size int
	grid int
}

// NewLBPEmbedder creates an embedder for size x size aligned faces.
func NewLBPEmbedder(size, grid int) (*LBPEmbedder, error) {
	if grid < 1 {
		return nil, fmt.Errorf("lbp grid must be positive, got %d", grid)
	}
	if size < grid*3+2 {
		return nil, fmt.Errorf("aligned size %d too small for a %dx%d grid", size, grid, grid)
	}
	return &LBPEmbedder{size: size, grid: grid}, nil
}

// Name implements Embedder.
func (e *LBPEmbedder) Name() string { return "lbp" }

// Dimension implements Embedder.
func (e *LBPEmbedder) Dimension() int { return e.grid * e.grid * lbpBins }

// Close implements Embedder.
func (e *LBPEmbedder) Close() error { return nil }

// Embed implements Embedder. Cell histograms are square-rooted and the whole
// vector is L2 normalised, so cosine distance compares Hellinger kernels.
func (e *LBPEmbedder) Embed(ctx context.Context, face *AlignedFace) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img := face.Image
	b := img.Bounds()
	if b.Dx() != e.size || b.Dy() != e.size {
		return nil, fmt.Errorf("aligned face is %dx%d, expected %dx%d", b.Dx(), b.Dy(), e.size, e.size)
	}

	gray := luminance(img)
	hist := make([]float64, e.Dimension())
	w := e.size
	for y := 1; y < w-1; y++ {
		cy := min((y-1)*e.grid/(w-2), e.grid-1)
		for x := 1; x < w-1; x++ {
			cx := min((x-1)*e.grid/(w-2), e.grid-1)
			c := gray[y*w+x]
			var code uint8
			// clockwise from top-left
			if gray[(y-1)*w+x-1] >= c {
				code |= 1 << 7
			}
			if gray[(y-1)*w+x] >= c {
				code |= 1 << 6
			}
			if gray[(y-1)*w+x+1] >= c {
				code |= 1 << 5
			}
			if gray[y*w+x+1] >= c {
				code |= 1 << 4
			}
			if gray[(y+1)*w+x+1] >= c {
				code |= 1 << 3
			}
			if gray[(y+1)*w+x] >= c {
				code |= 1 << 2
			}
			if gray[(y+1)*w+x-1] >= c {
				code |= 1 << 1
			}
			if gray[y*w+x-1] >= c {
				code |= 1
			}
			hist[(cy*e.grid+cx)*lbpBins+int(lbpUniform[code])]++
		}
	}

	var norm float64
	for i, v := range hist {
		hist[i] = math.Sqrt(v)
		norm += v
	}
	// sum of squares of the square roots equals the pixel count
	norm = math.Sqrt(norm)
	vec := make([]float32, len(hist))
	if norm == 0 {
		return vec, nil
	}
	for i, v := range hist {
		vec[i] = float32(v / norm)
	}
	return vec, nil
}

// luminance extracts an 8-bit luma plane from an NRGBA image.
func luminance(img *image.NRGBA) []uint8 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			r, g, bl := uint32(row[4*x]), uint32(row[4*x+1]), uint32(row[4*x+2])
			out[y*w+x] = uint8((299*r + 587*g + 114*bl + 500) / 1000)
		}
	}
	return out
}
