package attachment

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"mime"
	"os"
	"strings"

	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	ResizedMime   = "image/jpeg"
	ThumbnailMime = "image/jpeg"

	ThumbnailWidth  = 300
	ThumbnailHeight = 200

	// MaxSize is the largest attachment accepted for upload or download.
	MaxSize = 10 * 1024 * 1024

	jpegQuality = 90
)

// SupportedMimeTypes are the attachment types the server accepts.
var SupportedMimeTypes = []string{
	"text/plain",
	"text/x-vcard",
	"text/vcard",
	"image/gif",
	"image/png",
	"image/jpeg",
	"image/jpg",
	"audio/3gpp",
	"audio/mpeg3",
	"audio/wav",
}

func IsSupported(mimeType string) bool {
	base, _, _ := strings.Cut(mimeType, ";")
	for _, m := range SupportedMimeTypes {
		if strings.EqualFold(m, strings.TrimSpace(base)) {
			return true
		}
	}
	return false
}

func isImage(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image")
}

var knownExt = map[string]string{
	"image/jpeg":   "jpg",
	"image/jpg":    "jpg",
	"image/png":    "png",
	"image/gif":    "gif",
	"image/bmp":    "bmp",
	"image/tiff":   "tiff",
	"image/webp":   "webp",
	"text/plain":   "txt",
	"text/vcard":   "vcf",
	"text/x-vcard": "vcf",
	"audio/3gpp":   "3gp",
	"audio/mpeg3":  "mp3",
	"audio/wav":    "wav",
}

// ExtensionForMIME returns a file extension without the dot, "dat" if unknown.
func ExtensionForMIME(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	base = strings.ToLower(strings.TrimSpace(base))
	if ext, ok := knownExt[base]; ok {
		return ext
	}
	if exts, _ := mime.ExtensionsByType(base); len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	return "dat"
}

// MIMEForFile guesses the type of a local file from its extension.
func MIMEForFile(path string) string {
	dot := strings.LastIndexByte(path, '.')
	if dot < 0 {
		return "application/octet-stream"
	}
	ext := strings.ToLower(path[dot+1:])
	for m, e := range knownExt {
		if e == ext && m != "image/jpg" && m != "text/x-vcard" {
			return m
		}
	}
	if t := mime.TypeByExtension("." + ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

func imageSize(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// fitPixels returns the largest dimensions with the aspect ratio of w x h
// whose area does not exceed budget.
func fitPixels(w, h, budget int) (int, int) {
	scale := math.Sqrt(float64(budget) / float64(w*h))
	nw := max(1, int(math.Floor(float64(w)*scale)))
	nh := max(1, int(math.Floor(float64(h)*scale)))
	for nw*nh > budget {
		switch {
		case nw >= nh && nw > 1:
			nw--
		case nh > 1:
			nh--
		default:
			return nw, nh
		}
	}
	return nw, nh
}

// fitBox scales w x h to fit into bw x bh keeping the aspect ratio.
func fitBox(w, h, bw, bh int) (int, int) {
	scale := math.Min(float64(bw)/float64(w), float64(bh)/float64(h))
	return max(1, int(math.Round(float64(w)*scale))), max(1, int(math.Round(float64(h)*scale)))
}

func scale(src image.Image, w, h int, s draw.Scaler) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	s.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// resizeImage re-encodes path as a JPEG temp file in dir if its pixel
// count exceeds budget. It returns "" when no resizing was needed.
func resizeImage(path string, budget int, dir string) (string, error) {
	w, h, err := imageSize(path)
	if err != nil {
		return "", fmt.Errorf("read image size: %w", err)
	}
	if w*h <= budget {
		return "", nil
	}
	src, err := decodeFile(path)
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	nw, nh := fitPixels(w, h, budget)
	data, err := encodeJPEG(scale(src, nw, nh, draw.ApproxBiLinear))
	if err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}

	f, err := os.CreateTemp(dir, "resized-*.jpg")
	if err != nil {
		return "", err
	}
	_, werr := f.Write(data)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(f.Name())
		return "", werr
	}
	return f.Name(), nil
}

// thumbnail returns JPEG bytes of the image downscaled into the preview
// box, or nil if the image already fits.
func thumbnail(path string) ([]byte, error) {
	src, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	if b.Dx() <= ThumbnailWidth && b.Dy() <= ThumbnailHeight {
		return nil, nil
	}
	w, h := fitBox(b.Dx(), b.Dy(), ThumbnailWidth, ThumbnailHeight)
	return encodeJPEG(scale(src, w, h, draw.CatmullRom))
}
