package nn

import (
	"fmt"
	"github.com/sw965/spritemnist/blas32/tensor/3d"
	"math/rand"
)

const (
	ConvNet  = "ConvNet"
	DenseNet = "DenseNet"
)

// NewConvModel は 3 段の畳み込みと 2 段の全結合からなるモデルを作ります。
func NewConvModel(input tensor3d.Shape, classes int, rng *rand.Rand) *Model {
	m := NewSequential(input)

	m.AppendConv2D(3, 3, 16, rng)
	m.AppendReLU()
	m.AppendMaxPool2D(2, 2)

	m.AppendConv2D(3, 3, 32, rng)
	m.AppendReLU()
	m.AppendMaxPool2D(2, 2)

	m.AppendConv2D(3, 3, 32, rng)
	m.AppendReLU()

	m.AppendFlatten()
	m.AppendAffine(64, rng)
	m.AppendReLU()

	m.AppendAffine(classes, rng)
	m.AppendOutputSoftmaxAndSetCrossEntropyLoss()
	return m
}

// NewDenseModel は畳み込みを使わない比較用のモデルです。
// パラメーター数は NewConvModel とほぼ同じです。
func NewDenseModel(input tensor3d.Shape, classes int, rng *rand.Rand) *Model {
	m := NewSequential(input)
	m.AppendFlatten()
	m.AppendAffine(42, rng)
	m.AppendReLU()
	m.AppendAffine(classes, rng)
	m.AppendOutputSoftmaxAndSetCrossEntropyLoss()
	return m
}

func NewModel(kind string, input tensor3d.Shape, classes int, rng *rand.Rand) (*Model, error) {
	switch kind {
	case ConvNet:
		return NewConvModel(input, classes, rng), nil
	case DenseNet:
		return NewDenseModel(input, classes, rng), nil
	default:
		return nil, fmt.Errorf("Invalid model type: %s", kind)
	}
}
