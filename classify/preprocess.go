package classify

import (
	"image"
	"sync"

	"github.com/disintegration/imaging"
)

// Preprocessor turns decoded images into normalized model input.
type Preprocessor struct {
	size       int
	layout     Layout
	bufferPool *sync.Pool
}

func NewPreprocessor(size int, layout Layout) *Preprocessor {
	if layout == "" {
		layout = LayoutNHWC
	}
	n := size * size * NumChannels
	return &Preprocessor{
		size:   size,
		layout: layout,
		bufferPool: &sync.Pool{
			New: func() interface{} {
				buf := make([]float32, n)
				return &buf
			},
		},
	}
}

func (p *Preprocessor) Size() int {
	return p.size
}

// Len is the number of floats in one input tensor.
func (p *Preprocessor) Len() int {
	return p.size * p.size * NumChannels
}

// Process resizes img and returns a freshly allocated input tensor.
func (p *Preprocessor) Process(img image.Image) ([]float32, error) {
	buf := make([]float32, p.Len())
	if err := p.ProcessInto(img, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ProcessInto resizes img with nearest-neighbour sampling and writes RGB
// values scaled to [0,1] into dst, which must hold Len() floats.
func (p *Preprocessor) ProcessInto(img image.Image, dst []float32) error {
	if img == nil || img.Bounds().Empty() {
		return ErrEmptyImage
	}
	resized := imaging.Resize(img, p.size, p.size, imaging.NearestNeighbor)
	p.fill(resized, dst)
	return nil
}

func (p *Preprocessor) getBuffer() *[]float32 {
	return p.bufferPool.Get().(*[]float32)
}

func (p *Preprocessor) putBuffer(buf *[]float32) {
	p.bufferPool.Put(buf)
}

func (p *Preprocessor) fill(img *image.NRGBA, dst []float32) {
	channelSize := p.size * p.size
	for y := 0; y < p.size; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+p.size*4]
		for x := 0; x < p.size; x++ {
			r := float32(row[x*4]) / 255.0
			g := float32(row[x*4+1]) / 255.0
			b := float32(row[x*4+2]) / 255.0

			i := y*p.size + x
			if p.layout == LayoutNCHW {
				dst[i] = r
				dst[channelSize+i] = g
				dst[channelSize*2+i] = b
			} else {
				dst[i*3] = r
				dst[i*3+1] = g
				dst[i*3+2] = b
			}
		}
	}
}
