package videoplayer

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
)

// ErrImageReleased is returned by updates to a released RGBAImage
var ErrImageReleased = errors.New("video-player: image released")

// RGBATarget creates CPU-side RGBA images. Useful headless and in tests;
// a GPU integration implements ImageTarget over its own textures.
type RGBATarget struct {
	created  atomic.Uint64
	released atomic.Uint64
}

// NewRGBATarget returns an empty target
func NewRGBATarget() *RGBATarget {
	return &RGBATarget{}
}

// CreateImage implements ImageTarget
func (t *RGBATarget) CreateImage(width, height int) (OutputImage, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", width, height)
	}
	t.created.Add(1)
	return &RGBAImage{
		target: t,
		img:    image.NewRGBA(image.Rect(0, 0, width, height)),
	}, nil
}

// Live returns the number of created images not yet released
func (t *RGBATarget) Live() int {
	return int(t.created.Load() - t.released.Load())
}

// RGBAImage is an OutputImage backed by an image.RGBA
type RGBAImage struct {
	target *RGBATarget

	mu       sync.RWMutex
	img      *image.RGBA
	seq      uint64
	released bool
}

func (i *RGBAImage) Width() int  { return i.img.Rect.Dx() }
func (i *RGBAImage) Height() int { return i.img.Rect.Dy() }

// Update copies the frame pixels. Frames must be tightly packed RGBA.
func (i *RGBAImage) Update(f Frame) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.released {
		return ErrImageReleased
	}
	if f.Width != i.Width() || f.Height != i.Height() {
		return fmt.Errorf("frame %dx%d does not match image %dx%d", f.Width, f.Height, i.Width(), i.Height())
	}
	if want := f.Width * f.Height * 4; len(f.Data) < want {
		return fmt.Errorf("frame %d: short RGBA data, %d of %d bytes", f.Seq, len(f.Data), want)
	}

	copy(i.img.Pix, f.Data)
	i.seq = f.Seq
	return nil
}

// Release implements OutputImage. Idempotent.
func (i *RGBAImage) Release() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.released {
		return nil
	}
	i.released = true
	i.target.released.Add(1)
	return nil
}

// Snapshot returns a copy of the current pixels and the frame sequence
func (i *RGBAImage) Snapshot() (*image.RGBA, uint64) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	cp := image.NewRGBA(i.img.Rect)
	copy(cp.Pix, i.img.Pix)
	return cp, i.seq
}
