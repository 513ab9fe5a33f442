package quality

import (
	"image"

	"golang.org/x/image/draw"
)

// Verdict is the outcome of a quality check.
type Verdict int

const (
	Accepted Verdict = iota
	TooDark
	Overexposed
	Blurry
)

// String returns a short name for logging.
func (v Verdict) String() string {
	switch v {
	case TooDark:
		return "too dark"
	case Overexposed:
		return "overexposed"
	case Blurry:
		return "blurry"
	default:
		return "accepted"
	}
}

// Report carries the verdict and the raw measurements behind it.
type Report struct {
	Verdict   Verdict
	Luma      float64
	Sharpness float64
}

// Gate screens a captured image before upload. Implementations must fail
// open: an image the gate cannot analyze is Accepted, never blocked.
type Gate interface {
	Check(img image.Image) Report
}

// Default thresholds. The blur threshold is tuned for the abs-Laplacian
// variance below, which runs lower than a squared-Laplacian measure.
const (
	DefaultDarkThreshold        = 25
	DefaultOverexposedThreshold = 248
	DefaultBlurThreshold        = 20

	sampleSize = 120
)

// HeuristicGate measures average luma and a Laplacian-variance sharpness
// proxy on a fixed 120×120 downsample of the image.
type HeuristicGate struct {
	DarkThreshold        float64
	OverexposedThreshold float64
	BlurThreshold        float64
}

// NewHeuristicGate creates a gate with the default thresholds.
func NewHeuristicGate() *HeuristicGate {
	return &HeuristicGate{
		DarkThreshold:        DefaultDarkThreshold,
		OverexposedThreshold: DefaultOverexposedThreshold,
		BlurThreshold:        DefaultBlurThreshold,
	}
}

// Check analyzes the image. Checks run dark → overexposed → blurry; the
// first failing check wins. Degenerate input is Accepted.
func (g *HeuristicGate) Check(img image.Image) Report {
	gray, ok := downsampleGray(img)
	if !ok {
		return Report{Verdict: Accepted}
	}

	luma := averageLuma(gray)
	sharpness := laplacianVariance(gray)

	report := Report{Verdict: Accepted, Luma: luma, Sharpness: sharpness}
	switch {
	case luma < g.DarkThreshold:
		report.Verdict = TooDark
	case luma > g.OverexposedThreshold:
		report.Verdict = Overexposed
	case sharpness < g.BlurThreshold:
		report.Verdict = Blurry
	}
	return report
}

// downsampleGray scales the image to the fixed sample size and converts
// it to grayscale. Returns false when the image is unusable.
func downsampleGray(img image.Image) (*image.Gray, bool) {
	if img == nil {
		return nil, false
	}
	bounds := img.Bounds()
	if bounds.Dx() < 3 || bounds.Dy() < 3 {
		return nil, false
	}

	small := image.NewRGBA(image.Rect(0, 0, sampleSize, sampleSize))
	draw.ApproxBiLinear.Scale(small, small.Bounds(), img, bounds, draw.Src, nil)

	gray := image.NewGray(small.Bounds())
	for y := 0; y < sampleSize; y++ {
		for x := 0; x < sampleSize; x++ {
			i := small.PixOffset(x, y)
			r := float64(small.Pix[i])
			g := float64(small.Pix[i+1])
			b := float64(small.Pix[i+2])
			v := 0.299*r + 0.587*g + 0.114*b
			if v > 255 {
				v = 255
			}
			gray.Pix[gray.PixOffset(x, y)] = uint8(v)
		}
	}
	return gray, true
}

// averageLuma is the mean BT.601 luma over all sampled pixels.
func averageLuma(gray *image.Gray) float64 {
	var sum float64
	for _, p := range gray.Pix {
		sum += float64(p)
	}
	return sum / float64(len(gray.Pix))
}

// laplacianVariance computes the variance of the absolute 4-neighbor
// discrete Laplacian over the interior pixels. Flat images score near
// zero; sharp edges push the variance up.
func laplacianVariance(gray *image.Gray) float64 {
	w := gray.Bounds().Dx()
	h := gray.Bounds().Dy()

	var sum, sumSq float64
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			c := float64(gray.Pix[gray.PixOffset(x, y)])
			up := float64(gray.Pix[gray.PixOffset(x, y-1)])
			down := float64(gray.Pix[gray.PixOffset(x, y+1)])
			left := float64(gray.Pix[gray.PixOffset(x-1, y)])
			right := float64(gray.Pix[gray.PixOffset(x+1, y)])

			v := up + down + left + right - 4*c
			if v < 0 {
				v = -v
			}
			sum += v
			sumSq += v * v
		}
	}

	n := float64((w - 2) * (h - 2))
	mean := sum / n
	return sumSq/n - mean*mean
}
