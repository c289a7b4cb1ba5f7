package media

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// ErrUnsupportedImage is returned for inputs that are neither JPEG nor PNG.
var ErrUnsupportedImage = errors.New("media: starting image must be jpeg or png")

// ToJPEG writes src to dst as a JPEG. JPEG input is copied as is; PNG is
// flattened onto white and re-encoded.
func ToJPEG(src, dst string) error {
	mime, err := mimetype.DetectFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	switch {
	case mime.Is("image/jpeg"):
		return copyPath(src, dst)
	case mime.Is("image/png"):
	default:
		return fmt.Errorf("%w, got %s", ErrUnsupportedImage, mime.String())
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	img, _, err := image.Decode(in)
	if err != nil {
		return fmt.Errorf("media: decode %s: %w", src, err)
	}
	// 透明背景填充为白色
	flat := image.NewRGBA(img.Bounds())
	draw.Draw(flat, flat.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), img, img.Bounds().Min, draw.Over)

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(out, flat, &jpeg.Options{Quality: 95}); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

func copyPath(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
