package imagecache

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"time"

	"github.com/nfnt/resize"
	"github.com/rwcarlsen/goexif/exif"

	"gvslide/internal/scan"
	"gvslide/internal/slideshow"
)

// ImageInfo holds metadata about an image file.
type ImageInfo struct {
	Path     string
	Width    int // before any downscaling
	Height   int
	Size     int64
	ModTime  time.Time
	EXIFData map[string]string
}

// Image is a decoded cache entry.
type Image struct {
	Image image.Image
	Info  ImageInfo
}

// Bytes estimates the memory held by the decoded pixels.
func (img *Image) Bytes() int64 {
	if img == nil || img.Image == nil {
		return 0
	}
	b := img.Image.Bounds()
	return int64(b.Dx()) * int64(b.Dy()) * 4
}

// Loader turns an identifier into a decoded image.
type Loader interface {
	Load(ctx context.Context, id slideshow.Identifier) (*Image, error)
}

// Decoder loads images from local files.
type Decoder struct {
	// MaxDimension bounds the width and height of decoded images; 0 keeps
	// the original size.
	MaxDimension int
}

var exifFields = []string{
	"DateTime", "Model", "Make", "ExposureTime", "FNumber", "ISOSpeedRatings", "FocalLength",
}

// GetEXIF extracts a few common EXIF fields from an image file.
func GetEXIF(r io.Reader) map[string]string {
	x, err := exif.Decode(r)
	if err != nil {
		return nil // Not all images have EXIF; not an error for non-JPEGs
	}
	result := make(map[string]string)
	for _, field := range exifFields {
		tag, err := x.Get(exif.FieldName(field))
		if err == nil && tag != nil {
			result[field] = tag.String()
		}
	}
	return result
}

// Load implements Loader. Cancellation is checked between the expensive steps.
func (d Decoder) Load(ctx context.Context, id slideshow.Identifier) (*Image, error) {
	path, err := scan.PathFor(string(id))
	if err != nil {
		return nil, err
	}
	return d.LoadFile(ctx, path)
}

// LoadFile decodes the image at path.
func (d Decoder) LoadFile(ctx context.Context, path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat image file: %w", err)
	}

	exifData := GetEXIF(f)

	if _, err = f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek in image file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	decoded, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bounds := decoded.Bounds()
	info := ImageInfo{
		Path:     path,
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
		Size:     fi.Size(),
		ModTime:  fi.ModTime(),
		EXIFData: exifData,
	}

	if m := d.MaxDimension; m > 0 && (info.Width > m || info.Height > m) {
		decoded = resize.Thumbnail(uint(m), uint(m), decoded, resize.Lanczos3)
	}
	return &Image{Image: decoded, Info: info}, nil
}
