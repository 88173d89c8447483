package dataset

import (
	"context"
	"fmt"
	"gorgonia.org/tensor"
	"slices"
)

// Batch は画像 (n, rows, cols, 1) と one-hot ラベル (n, classes) の組です。
type Batch struct {
	Xs     *tensor.Dense
	Labels *tensor.Dense
}

func (b Batch) N() int {
	return b.Xs.Shape()[0]
}

// XsData は画像の生データを返します。要素数が 0 の時は空のスライスです。
func (b Batch) XsData() []float32 {
	if b.N() == 0 {
		return []float32{}
	}
	return b.Xs.Data().([]float32)
}

func (b Batch) LabelsData() []float32 {
	if b.Labels.Shape()[0] == 0 {
		return []float32{}
	}
	return b.Labels.Data().([]float32)
}

// ClassIndices は各要素の正解のクラスの番号を返します。
func (b Batch) ClassIndices() []int {
	return LabelIndices(b.LabelsData(), b.Labels.Shape()[1])
}

// MnistData はスプライト化された MNIST を取得して保持します。
// Load が成功した後は読み取り専用です。
type MnistData struct {
	Layout    Layout
	ImagesURL string
	LabelsURL string
	ChunkRows int

	fetcher Fetcher
	loaded  bool

	trainImages []float32
	trainLabels []float32
	testImages  []float32
	testLabels  []float32
}

func NewMnistData(fetcher Fetcher) *MnistData {
	return &MnistData{
		Layout:    MnistLayout,
		ImagesURL: MnistImagesURL,
		LabelsURL: MnistLabelsURL,
		ChunkRows: DefaultChunkRows,
		fetcher:   fetcher,
	}
}

func (d *MnistData) Loaded() bool {
	return d.loaded
}

// Load は画像とラベルを並行して取得し、両方が揃ってから訓練用とテスト用に分けます。
// どちらかが失敗すればエラーを返し、読み込まれていない状態のままです。
func (d *MnistData) Load(ctx context.Context) error {
	layout := d.Layout
	if err := layout.Validate(); err != nil {
		return err
	}

	var imgBytes, labelBytes []byte
	errCh := make(chan error, 2)

	go func() {
		data, err := d.fetcher.Fetch(ctx, d.ImagesURL)
		if err != nil {
			errCh <- fmt.Errorf("画像の取得に失敗しました: %w", err)
			return
		}
		imgBytes = data
		errCh <- nil
	}()

	go func() {
		data, err := d.fetcher.Fetch(ctx, d.LabelsURL)
		if err != nil {
			errCh <- fmt.Errorf("ラベルの取得に失敗しました: %w", err)
			return
		}
		labelBytes = data
		errCh <- nil
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}

	pixels, err := DecodeSpritePNG(imgBytes, layout, d.ChunkRows)
	if err != nil {
		return err
	}
	if err := ValidateLabels(labelBytes, layout); err != nil {
		return err
	}

	labels := make([]float32, len(labelBytes))
	for i, e := range labelBytes {
		labels[i] = float32(e)
	}

	imgSplit := layout.NumTrain * layout.ImageSize()
	labelSplit := layout.NumTrain * layout.NumClasses

	d.trainImages = pixels[:imgSplit:imgSplit]
	d.testImages = pixels[imgSplit:]
	d.trainLabels = labels[:labelSplit:labelSplit]
	d.testLabels = labels[labelSplit:]
	d.loaded = true
	return nil
}

func (d *MnistData) batch(images, labels []float32, n int) Batch {
	l := d.Layout
	xs := tensor.New(
		tensor.WithShape(n, l.ImageRows, l.ImageCols, 1),
		tensor.WithBacking(slices.Clone(images[:n*l.ImageSize()])),
	)
	ts := tensor.New(
		tensor.WithShape(n, l.NumClasses),
		tensor.WithBacking(slices.Clone(labels[:n*l.NumClasses])),
	)
	return Batch{Xs: xs, Labels: ts}
}

// TrainData は訓練用の全ての要素を格納順のまま返します。
func (d *MnistData) TrainData() (Batch, error) {
	if !d.loaded {
		return Batch{}, ErrNotLoaded
	}
	return d.batch(d.trainImages, d.trainLabels, d.Layout.NumTrain), nil
}

func (d *MnistData) TestData() (Batch, error) {
	if !d.loaded {
		return Batch{}, ErrNotLoaded
	}
	return d.batch(d.testImages, d.testLabels, d.Layout.NumTest()), nil
}

// TestDataN はテスト用の先頭 n 個を返します。n は 0 以上 NumTest 以下です。
func (d *MnistData) TestDataN(n int) (Batch, error) {
	if !d.loaded {
		return Batch{}, ErrNotLoaded
	}
	if n < 0 || n > d.Layout.NumTest() {
		return Batch{}, fmt.Errorf("%w: n = %d (0 <= n <= %d)", ErrOutOfRange, n, d.Layout.NumTest())
	}
	return d.batch(d.testImages, d.testLabels, n), nil
}
