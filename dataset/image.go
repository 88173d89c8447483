package dataset

import (
	"fmt"
	"golang.org/x/image/draw"
	"image"
	"image/color"
	"image/png"
	"io"
)

func clampUint8(v float32) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return uint8(v + 0.5) // 四捨五入
	}
}

// ImageAt は Batch の i 番目の画像の画素を返します。コピーはしません。
func (b Batch) ImageAt(i int) ([]float32, error) {
	n := b.N()
	if i < 0 || i >= n {
		return nil, fmt.Errorf("%w: i = %d (0 <= i < %d)", ErrOutOfRange, i, n)
	}
	data := b.XsData()
	size := len(data) / n
	return data[i*size : (i+1)*size], nil
}

// ToGray は [0, 1] の画素をグレースケール画像に戻します。
func ToGray(pixels []float32, rows, cols int) (*image.Gray, error) {
	if len(pixels) != rows*cols {
		return nil, fmt.Errorf("%w: len(pixels) = %d != %dx%d", ErrSizeMismatch, len(pixels), rows, cols)
	}
	img := image.NewGray(image.Rect(0, 0, cols, rows))
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			img.SetGray(x, y, color.Gray{Y: clampUint8(pixels[y*cols+x] * 255)})
		}
	}
	return img, nil
}

// ScaleGray は最近傍補間で img を縦横 scale 倍に拡大します。scale が 1 以下ならそのまま返します。
func ScaleGray(img *image.Gray, scale int) *image.Gray {
	if scale <= 1 {
		return img
	}
	b := img.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx()*scale, b.Dy()*scale))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

func EncodeImagePNG(w io.Writer, pixels []float32, rows, cols, scale int) error {
	img, err := ToGray(pixels, rows, cols)
	if err != nil {
		return err
	}
	return png.Encode(w, ScaleGray(img, scale))
}
