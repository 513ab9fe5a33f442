package imaging

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif" // Register GIF decoder
	"image/jpeg"
	_ "image/png" // Register PNG decoder
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
	"golang.org/x/image/draw"
)

const (
	thumbSize    = 120
	thumbQuality = 60
)

// Decode turns captured bytes into an image. HEIC/HEIF (the iPhone camera
// default) and single-page PDFs are handled before falling back to the
// standard decoders (JPEG, PNG, GIF).
func Decode(data []byte, mimeType string) (image.Image, error) {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))

	if mimeType == "application/pdf" {
		return pdfToImage(data)
	}

	if isHEICFormat(data) || isHEICMimeType(mimeType) {
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if strings.Contains(err.Error(), "unknown format") || strings.Contains(err.Error(), "unsupported") {
			return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF. Error: %w", err)
		}
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// pdfToImage renders the first page of a PDF (receipts emailed as PDF are
// single page in practice).
func pdfToImage(pdfData []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

// isHEICFormat checks the ftyp box for HEIC/HEIF brands.
func isHEICFormat(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	if string(data[4:8]) != "ftyp" {
		return false
	}
	brand := string(data[8:12])
	return brand == "heic" || brand == "heif" || brand == "mif1" || brand == "msf1"
}

// isHEICMimeType checks if the MIME type indicates HEIC/HEIF format.
func isHEICMimeType(mimeType string) bool {
	return mimeType == "image/heic" || mimeType == "image/heif" ||
		strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// Thumbnail produces a 120×120 center-cropped JPEG of the image, encoded
// as a data URL suitable for the history strip.
func Thumbnail(img image.Image) (string, error) {
	if img == nil {
		return "", fmt.Errorf("nil image")
	}

	bounds := img.Bounds()
	size := bounds.Dx()
	if bounds.Dy() < size {
		size = bounds.Dy()
	}
	if size < 1 {
		return "", fmt.Errorf("degenerate image %dx%d", bounds.Dx(), bounds.Dy())
	}

	// Cover crop: take the centered square, then scale down.
	sx := bounds.Min.X + (bounds.Dx()-size)/2
	sy := bounds.Min.Y + (bounds.Dy()-size)/2
	crop := image.Rect(sx, sy, sx+size, sy+size)

	thumb := image.NewRGBA(image.Rect(0, 0, thumbSize, thumbSize))
	draw.ApproxBiLinear.Scale(thumb, thumb.Bounds(), img, crop, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: thumbQuality}); err != nil {
		return "", fmt.Errorf("encoding thumbnail: %w", err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
