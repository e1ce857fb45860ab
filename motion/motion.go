// Package motion detects movement between consecutive camera frames by
// luminance differencing.
package motion

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"golang.org/x/image/draw"
)

const (
	minThreshold = 5
	maxThreshold = 100
)

// Config controls detection and the motion-triggered recording windows.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Sensitivity in [0,1]. Lower values detect smaller luminance changes.
	Sensitivity float64 `yaml:"sensitivity"`

	// MinMotionArea is the percentage of changed pixels that counts as motion.
	MinMotionArea float64 `yaml:"min_motion_area"`

	PreRecordSeconds  int `yaml:"pre_record_seconds"`
	PostRecordSeconds int `yaml:"post_record_seconds"`

	// AnalysisWidth downsamples wider frames before differencing. Zero
	// analyzes frames at full resolution.
	AnalysisWidth int `yaml:"analysis_width"`
}

// DefaultConfig returns detection disabled with the stock windows.
func DefaultConfig() Config {
	return Config{
		Enabled:           false,
		Sensitivity:       0.5,
		MinMotionArea:     1.0,
		PreRecordSeconds:  10,
		PostRecordSeconds: 30,
	}
}

// Validate reports settings the detector cannot work with.
func (c Config) Validate() error {
	switch {
	case c.Sensitivity < 0 || c.Sensitivity > 1:
		return fmt.Errorf("sensitivity %.2f outside [0,1]", c.Sensitivity)
	case c.MinMotionArea < 0 || c.MinMotionArea > 100:
		return fmt.Errorf("min_motion_area %.2f outside [0,100]", c.MinMotionArea)
	case c.PreRecordSeconds < 0:
		return fmt.Errorf("pre_record_seconds %d is negative", c.PreRecordSeconds)
	case c.PostRecordSeconds < 0:
		return fmt.Errorf("post_record_seconds %d is negative", c.PostRecordSeconds)
	case c.AnalysisWidth < 0:
		return fmt.Errorf("analysis_width %d is negative", c.AnalysisWidth)
	}
	return nil
}

// Threshold maps the sensitivity to the per-pixel luminance difference a
// pixel must exceed to count as changed.
func (c Config) Threshold() uint8 {
	t := minThreshold + c.Sensitivity*(maxThreshold-minThreshold)
	if t < minThreshold {
		t = minThreshold
	}
	if t > maxThreshold {
		t = maxThreshold
	}
	return uint8(t)
}

// Stats are the detector counters since the last Reset.
type Stats struct {
	TotalFrames  uint64
	MotionFrames uint64
}

// DetectionRate is the percentage of frames that reported motion.
func (s Stats) DetectionRate() float64 {
	if s.TotalFrames == 0 {
		return 0
	}
	return float64(s.MotionFrames) / float64(s.TotalFrames) * 100
}

// Detector compares each frame with the one before it.
type Detector struct {
	mu       sync.Mutex
	cfg      Config
	previous *image.Gray
	stats    Stats
}

// NewDetector creates a detector with no baseline.
func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// Detect reports whether frame differs enough from the previous frame. The
// first frame, and any frame whose dimensions differ from the baseline, only
// establishes a new baseline. The current frame always becomes the baseline.
func (d *Detector) Detect(frame image.Image) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.TotalFrames++
	if !d.cfg.Enabled {
		return false
	}
	return d.compare(luma(frame, d.cfg.AnalysisWidth))
}

// DetectJPEG decodes a JPEG payload and runs Detect on it. Decoding is
// skipped entirely while detection is disabled.
func (d *Detector) DetectJPEG(payload []byte) (bool, error) {
	d.mu.Lock()
	enabled := d.cfg.Enabled
	width := d.cfg.AnalysisWidth
	d.mu.Unlock()

	if !enabled {
		d.mu.Lock()
		d.stats.TotalFrames++
		d.mu.Unlock()
		return false, nil
	}

	img, err := jpeg.Decode(bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("decode frame: %w", err)
	}
	gray := luma(img, width)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.TotalFrames++
	if !d.cfg.Enabled {
		return false, nil
	}
	return d.compare(gray), nil
}

func (d *Detector) compare(gray *image.Gray) bool {
	prev := d.previous
	d.previous = gray
	if prev == nil || prev.Rect.Dx() != gray.Rect.Dx() || prev.Rect.Dy() != gray.Rect.Dy() {
		return false
	}

	threshold := d.cfg.Threshold()
	changed := 0
	for i, v := range gray.Pix {
		p := prev.Pix[i]
		diff := v - p
		if p > v {
			diff = p - v
		}
		if diff > threshold {
			changed++
		}
	}

	total := len(gray.Pix)
	if total == 0 {
		return false
	}
	ratio := float64(changed) / float64(total) * 100
	motion := ratio >= d.cfg.MinMotionArea
	if motion {
		d.stats.MotionFrames++
	}
	return motion
}

// Config returns the current configuration.
func (d *Detector) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// UpdateConfig replaces the configuration. The baseline is kept unless the
// analysis width changes, since frames of another size cannot be compared.
func (d *Detector) UpdateConfig(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cfg.AnalysisWidth != d.cfg.AnalysisWidth {
		d.previous = nil
	}
	d.cfg = cfg
}

// Threshold returns the current per-pixel threshold.
func (d *Detector) Threshold() uint8 {
	return d.Config().Threshold()
}

// Stats returns the counters.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// HasBaseline reports whether a previous frame is stored.
func (d *Detector) HasBaseline() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.previous != nil
}

// Reset drops the baseline and the counters.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.previous = nil
	d.stats = Stats{}
}

// luma converts img to 8-bit luminance, Y = 0.299R + 0.587G + 0.114B,
// downsampling first when the image is wider than width.
func luma(img image.Image, width int) *image.Gray {
	b := img.Bounds()
	if width > 0 && b.Dx() > width {
		h := b.Dy() * width / b.Dx()
		if h < 1 {
			h = 1
		}
		dst := image.NewGray(image.Rect(0, 0, width, h))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		return dst
	}

	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < b.Dy(); y++ {
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+b.Dx()], src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):])
		}
	case *image.YCbCr:
		// JPEG luma is already BT.601 Y.
		for y := 0; y < b.Dy(); y++ {
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+b.Dx()], src.Y[src.YOffset(b.Min.X, b.Min.Y+y):])
		}
	case *image.RGBA:
		for y := 0; y < b.Dy(); y++ {
			row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < b.Dx(); x++ {
				dst.Pix[y*dst.Stride+x] = lumaOf(row[x*4], row[x*4+1], row[x*4+2])
			}
		}
	default:
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				dst.Pix[y*dst.Stride+x] = lumaOf(uint8(r>>8), uint8(g>>8), uint8(bl>>8))
			}
		}
	}
	return dst
}

func lumaOf(r, g, b uint8) uint8 {
	return uint8(0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b) + 0.5)
}
