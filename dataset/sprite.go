package dataset

import (
	"bytes"
	"fmt"
	"golang.org/x/image/draw"
	"image"
	"image/png"
)

// DecodeSprite はスプライト画像を [0, 1] に正規化した画素の列にします。
// 画素は行優先で並び、i 番目の画像の j 番目の画素は i*ImageSize + j にあります。
// スプライトの幅と高さは問わず、総画素数だけが layout と一致している必要があります。
// 描画用のラスタは chunkRows 行ずつ確保され、結果は chunkRows に依存しません。
func DecodeSprite(img image.Image, layout Layout, chunkRows int) ([]float32, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	want := layout.NumElements * layout.ImageSize()
	if width*height != want {
		return nil, fmt.Errorf("%w: スプライトの画素数 %d (%dx%d) != %d", ErrSizeMismatch, width*height, width, height, want)
	}
	if chunkRows <= 0 || chunkRows > height {
		chunkRows = height
	}

	pixels := make([]float32, want)
	raster := image.NewRGBA(image.Rect(0, 0, width, chunkRows))

	for y0 := 0; y0 < height; y0 += chunkRows {
		rows := min(chunkRows, height-y0)
		src := image.Rect(bounds.Min.X, bounds.Min.Y+y0, bounds.Max.X, bounds.Min.Y+y0+rows)
		draw.Copy(raster, image.Point{}, img, src, draw.Src, nil)

		offset := y0 * width
		for y := 0; y < rows; y++ {
			line := raster.Pix[y*raster.Stride : y*raster.Stride+width*4]
			for x := 0; x < width; x++ {
				// グレースケールなので赤チャンネルだけを読む
				pixels[offset+y*width+x] = float32(line[x*4]) / 255.0
			}
		}
	}
	return pixels, nil
}

// DecodeSpritePNG は PNG のバイト列を DecodeSprite します。
func DecodeSpritePNG(data []byte, layout Layout, chunkRows int) ([]float32, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("スプライトの PNG デコードに失敗しました: %w", err)
	}
	return DecodeSprite(img, layout, chunkRows)
}

// EncodeSprite は 1 画像 1 行のグレースケールのスプライトを作ります。
// images は 0-255 の画素を行優先で並べたもので、長さは ImageSize の倍数である必要があります。
func EncodeSprite(images []uint8, imageSize int) (*image.Gray, error) {
	if imageSize <= 0 || len(images)%imageSize != 0 {
		return nil, fmt.Errorf("%w: 画素数 %d が画像の大きさ %d の倍数ではありません。", ErrSizeMismatch, len(images), imageSize)
	}
	n := len(images) / imageSize
	sprite := image.NewGray(image.Rect(0, 0, imageSize, n))
	for i := 0; i < n; i++ {
		copy(sprite.Pix[i*sprite.Stride:i*sprite.Stride+imageSize], images[i*imageSize:(i+1)*imageSize])
	}
	return sprite, nil
}

func EncodeSpritePNG(images []uint8, imageSize int) ([]byte, error) {
	sprite, err := EncodeSprite(images, imageSize)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, sprite); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
