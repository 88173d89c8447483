package vector

import (
	"fmt"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"slices"
)

func NewZeros(n int) blas32.Vector {
	return blas32.Vector{
		N:    n,
		Inc:  1,
		Data: make([]float32, n),
	}
}

func NewZerosLike(vec blas32.Vector) blas32.Vector {
	return NewZeros(vec.N)
}

func Clone(vec blas32.Vector) blas32.Vector {
	return blas32.Vector{
		N:    vec.N,
		Inc:  vec.Inc,
		Data: slices.Clone(vec.Data),
	}
}

// View はコピーせずに data を Vector として扱います。
func View(data []float32) blas32.Vector {
	return blas32.Vector{
		N:    len(data),
		Inc:  1,
		Data: data,
	}
}

// SplitRows は長さ n*stride の平坦なバッファを、n 個の Vector に分割します。
// 各 Vector は data と同じ領域を参照します。
func SplitRows(data []float32, stride int) ([]blas32.Vector, error) {
	if stride <= 0 {
		return nil, fmt.Errorf("stride は 1 以上でなければなりません。(stride = %d)", stride)
	}
	if len(data)%stride != 0 {
		return nil, fmt.Errorf("len(data) = %d が stride = %d の倍数ではありません。", len(data), stride)
	}

	n := len(data) / stride
	vecs := make([]blas32.Vector, n)
	for i := range vecs {
		start := i * stride
		vecs[i] = View(data[start : start+stride : start+stride])
	}
	return vecs, nil
}

// MaxIndex は最大値を持つ要素のインデックスを返します。同値の場合は先頭を優先します。
func MaxIndex(vec blas32.Vector) int {
	if vec.N == 0 {
		return -1
	}
	idx := 0
	max := vec.Data[0]
	for i := 1; i < vec.N; i++ {
		e := vec.Data[i*vec.Inc]
		if e > max {
			max = e
			idx = i
		}
	}
	return idx
}

func Affine(x blas32.Vector, w blas32.General, b blas32.Vector) blas32.Vector {
	yn := len(b.Data)
	y := blas32.Vector{N: yn, Inc: 1, Data: make([]float32, yn)}
	blas32.Copy(b, y)
	blas32.Gemv(blas.Trans, 1.0, w, x, 1.0, y)
	return y
}
