package nn

import (
	"fmt"
	"github.com/chewxy/math32"
	"github.com/sw965/spritemnist/blas32/tensor/2d"
	"github.com/sw965/spritemnist/blas32/tensor/3d"
	"github.com/sw965/spritemnist/blas32/vector"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"slices"
)

// Forward は順伝播を行い、対応する逆伝播の関数を返します。
type Forward func(blas32.Vector, *Parameter) (blas32.Vector, Backward, error)
type Forwards []Forward

func (fs Forwards) Propagate(x blas32.Vector, params Parameters) (blas32.Vector, Backwards, error) {
	if len(fs) != len(params) {
		return blas32.Vector{}, nil, fmt.Errorf("層の数 (%d) とパラメーターの数 (%d) が一致しません。", len(fs), len(params))
	}

	var err error
	var backward Backward
	backwards := make(Backwards, len(fs))
	for i, f := range fs {
		x, backward, err = f(x, &params[i])
		if err != nil {
			return blas32.Vector{}, nil, err
		}
		backwards[i] = backward
	}
	y := x
	slices.Reverse(backwards)
	return y, backwards, nil
}

type Backward func(blas32.Vector) (blas32.Vector, GradBuffer, error)
type Backwards []Backward

func (bs Backwards) Propagate(chain blas32.Vector) (blas32.Vector, GradBuffers, error) {
	grads := make(GradBuffers, len(bs))
	var grad GradBuffer
	var err error
	for i, b := range bs {
		chain, grad, err = b(chain)
		if err != nil {
			return blas32.Vector{}, nil, err
		}
		grads[i] = grad
	}
	dx := chain
	slices.Reverse(grads)
	return dx, grads, nil
}

func AffineForward(x blas32.Vector, param *Parameter) (blas32.Vector, Backward, error) {
	if x.N != param.Weight.Rows {
		return blas32.Vector{}, nil, fmt.Errorf("Affine: 入力の長さ (%d) と重みの行数 (%d) が一致しません。", x.N, param.Weight.Rows)
	}

	y := vector.Affine(x, param.Weight, param.Bias)

	var backward Backward
	backward = func(chain blas32.Vector) (blas32.Vector, GradBuffer, error) {
		wRows := param.Weight.Rows
		wCols := param.Weight.Cols

		dx := vector.NewZeros(wRows)
		blas32.Gemv(blas.NoTrans, 1.0, param.Weight, chain, 0.0, dx)

		dw := tensor2d.NewZeros(wRows, wCols)
		blas32.Ger(1.0, x, chain, dw)

		db := vector.Clone(chain)

		grad := GradBuffer{
			Weight: dw,
			Bias:   db,
		}
		return dx, grad, nil
	}
	return y, backward, nil
}

func NewLeakyReLUForward(alpha float32) Forward {
	return func(x blas32.Vector, _ *Parameter) (blas32.Vector, Backward, error) {
		xData := x.Data
		yData := make([]float32, x.N)
		for i := range yData {
			e := xData[i]
			if e > 0 {
				yData[i] = e
			} else {
				yData[i] = alpha * e
			}
		}

		y := vector.View(yData)

		var backward Backward
		backward = func(chain blas32.Vector) (blas32.Vector, GradBuffer, error) {
			chainData := chain.Data
			dxData := make([]float32, chain.N)
			for i, e := range xData[:x.N] {
				if e > 0 {
					dxData[i] = chainData[i]
				} else {
					dxData[i] = alpha * chainData[i]
				}
			}
			return vector.View(dxData), GradBuffer{}, nil
		}

		return y, backward, nil
	}
}

var ReLUForward = NewLeakyReLUForward(0.0)

// NewConv2DForward はストライド 1、パディング無しの 2 次元畳み込み層を返します。
// 重みは (filterRows*filterCols*in.Channels) x filters の行列です。
func NewConv2DForward(in tensor3d.Shape, filterRows, filterCols int) Forward {
	return func(x blas32.Vector, param *Parameter) (blas32.Vector, Backward, error) {
		if x.N != in.N() {
			return blas32.Vector{}, nil, fmt.Errorf("Conv2D: 入力の長さ (%d) が形状 %v と一致しません。", x.N, in)
		}
		if param.Weight.Rows != filterRows*filterCols*in.Channels {
			return blas32.Vector{}, nil, fmt.Errorf("Conv2D: 重みの行数 (%d) がフィルターの大きさと一致しません。", param.Weight.Rows)
		}

		col := tensor3d.Im2Col(x, in, filterRows, filterCols)
		filters := param.Weight.Cols

		y := tensor2d.NewZeros(col.Rows, filters)
		for r := 0; r < y.Rows; r++ {
			copy(y.Data[r*y.Stride:r*y.Stride+filters], param.Bias.Data)
		}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1.0, col, param.Weight, 1.0, y)

		var backward Backward
		backward = func(chain blas32.Vector) (blas32.Vector, GradBuffer, error) {
			dy := tensor2d.FromVector(chain, y.Rows, y.Cols)
			dw := tensor2d.Dot(blas.Trans, blas.NoTrans, col, dy)
			db := tensor2d.Sum0(dy)
			dcol := tensor2d.Dot(blas.NoTrans, blas.Trans, dy, param.Weight)
			dx, err := tensor3d.Col2Im(dcol, in, filterRows, filterCols)
			if err != nil {
				return blas32.Vector{}, GradBuffer{}, err
			}
			return dx, GradBuffer{Weight: dw, Bias: db}, nil
		}
		return tensor2d.ToVector(y), backward, nil
	}
}

func NewMaxPool2DForward(in tensor3d.Shape, size, stride int) Forward {
	return func(x blas32.Vector, _ *Parameter) (blas32.Vector, Backward, error) {
		if x.N != in.N() {
			return blas32.Vector{}, nil, fmt.Errorf("MaxPool2D: 入力の長さ (%d) が形状 %v と一致しません。", x.N, in)
		}

		y, argmax, _ := tensor3d.MaxPool2D(x, in, size, stride)

		var backward Backward
		backward = func(chain blas32.Vector) (blas32.Vector, GradBuffer, error) {
			return tensor3d.MaxUnpool2D(chain, argmax, in), GradBuffer{}, nil
		}
		return y, backward, nil
	}
}

// FlattenForward は何もしません。画像は HWC 順の平坦な Vector として既に並んでいる為です。
func FlattenForward(x blas32.Vector, _ *Parameter) (blas32.Vector, Backward, error) {
	var backward Backward
	backward = func(chain blas32.Vector) (blas32.Vector, GradBuffer, error) {
		return chain, GradBuffer{}, nil
	}
	return x, backward, nil
}

func SoftmaxForOutputForward(x blas32.Vector, _ *Parameter) (blas32.Vector, Backward, error) {
	if x.N == 0 {
		return blas32.Vector{}, nil, fmt.Errorf("Softmax: 入力が空です。")
	}

	xData := x.Data[:x.N]
	// オーバーフロー対策
	maxX := xData[0]
	for _, e := range xData {
		if e > maxX {
			maxX = e
		}
	}

	expX := make([]float32, x.N)
	sumExpX := float32(0.0)
	for i, e := range xData {
		expX[i] = math32.Exp(e - maxX)
		sumExpX += expX[i]
	}

	yData := make([]float32, x.N)
	for i := range expX {
		yData[i] = expX[i] / sumExpX
	}

	var backward Backward
	backward = func(chain blas32.Vector) (blas32.Vector, GradBuffer, error) {
		//クロスエントロピーが損失関数である事を前提
		dx := chain
		return dx, GradBuffer{}, nil
	}
	return vector.View(yData), backward, nil
}

type PredictLoss struct {
	Func       func(blas32.Vector, blas32.Vector) (float32, error)
	Derivative func(blas32.Vector, blas32.Vector) (blas32.Vector, error)
}

// CrossEntropyEpsilon は log(0) を避ける為の下限です。
const CrossEntropyEpsilon float32 = 1e-7

func NewCrossEntropyLossForSoftmax() PredictLoss {
	f := func(y, t blas32.Vector) (float32, error) {
		if y.N != t.N {
			return 0.0, fmt.Errorf("予測 (%d) と正解 (%d) の長さが一致しません。", y.N, t.N)
		}
		loss := float32(0.0)
		for i := 0; i < y.N; i++ {
			ye := y.Data[i]
			if ye < CrossEntropyEpsilon {
				ye = CrossEntropyEpsilon
			}
			loss += -t.Data[i] * math32.Log(ye)
		}
		return loss, nil
	}

	d := func(y, t blas32.Vector) (blas32.Vector, error) {
		if y.N != t.N {
			return blas32.Vector{}, fmt.Errorf("予測 (%d) と正解 (%d) の長さが一致しません。", y.N, t.N)
		}
		dx := vector.Clone(y)
		blas32.Axpy(-1.0, t, dx)
		return dx, nil
	}

	return PredictLoss{
		Func:       f,
		Derivative: d,
	}
}
