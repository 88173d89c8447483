package dataset

import (
	"errors"
	"fmt"
)

var (
	ErrNotLoaded    = errors.New("dataset: データが読み込まれていません")
	ErrSizeMismatch = errors.New("dataset: データの大きさが一致しません")
	ErrInvalidLabel = errors.New("dataset: ラベルが one-hot ではありません")
	ErrOutOfRange   = errors.New("dataset: 範囲外の要素数です")
)

const (
	MnistImagesURL = "https://storage.googleapis.com/learnjs-data/model-builder/mnist_images.png"
	MnistLabelsURL = "https://storage.googleapis.com/learnjs-data/model-builder/mnist_labels_uint8"

	// DefaultChunkRows は 1 回の描画で読み取るスプライトの行数です。
	DefaultChunkRows = 5000
)

// Layout はスプライト化されたデータセットの寸法です。
// 先頭 NumTrain 個が訓練用、残りがテスト用になります。
type Layout struct {
	ImageRows   int
	ImageCols   int
	NumClasses  int
	NumElements int
	NumTrain    int
}

var MnistLayout = Layout{
	ImageRows:   28,
	ImageCols:   28,
	NumClasses:  10,
	NumElements: 65000,
	NumTrain:    55000,
}

func (l Layout) ImageSize() int {
	return l.ImageRows * l.ImageCols
}

func (l Layout) NumTest() int {
	return l.NumElements - l.NumTrain
}

func (l Layout) Validate() error {
	if l.ImageRows <= 0 || l.ImageCols <= 0 || l.NumClasses <= 0 || l.NumElements <= 0 {
		return fmt.Errorf("不正なレイアウトです: %+v", l)
	}
	if l.NumTrain < 0 || l.NumTrain > l.NumElements {
		return fmt.Errorf("訓練データ数 (%d) が全体の要素数 (%d) の範囲外です。", l.NumTrain, l.NumElements)
	}
	return nil
}
