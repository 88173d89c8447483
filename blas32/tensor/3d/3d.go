// Package tensor3d は HWC (行, 列, チャネル) 順に並んだ画像を blas32 の型で扱います。
package tensor3d

import (
	"fmt"
	"gonum.org/v1/gonum/blas/blas32"
)

type Shape struct {
	Rows     int
	Cols     int
	Channels int
}

func (s Shape) N() int {
	return s.Rows * s.Cols * s.Channels
}

func (s Shape) At(row, col, ch int) int {
	return (row*s.Cols+col)*s.Channels + ch
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d)", s.Rows, s.Cols, s.Channels)
}

// ConvOutput はストライド 1、パディング無しの畳み込み後の形状を返します。
func (s Shape) ConvOutput(filterRows, filterCols, filters int) Shape {
	return Shape{
		Rows:     s.Rows - filterRows + 1,
		Cols:     s.Cols - filterCols + 1,
		Channels: filters,
	}
}

// PoolOutput はパディング無しのプーリング後の形状を返します。
func (s Shape) PoolOutput(size, stride int) Shape {
	return Shape{
		Rows:     (s.Rows-size)/stride + 1,
		Cols:     (s.Cols-size)/stride + 1,
		Channels: s.Channels,
	}
}

// Im2Col は画像を (outRows*outCols) x (filterRows*filterCols*Channels) の行列に展開します。
// 各行の並びは (filterRow, filterCol, channel) です。
func Im2Col(x blas32.Vector, shape Shape, filterRows, filterCols int) blas32.General {
	out := shape.ConvOutput(filterRows, filterCols, 0)
	chs := shape.Channels
	newCols := filterRows * filterCols * chs
	newData := make([]float32, out.Rows*out.Cols*newCols)
	newIdx := 0

	for or := 0; or < out.Rows; or++ {
		for oc := 0; oc < out.Cols; oc++ {
			for fr := 0; fr < filterRows; fr++ {
				for fc := 0; fc < filterCols; fc++ {
					start := shape.At(or+fr, oc+fc, 0)
					copy(newData[newIdx:newIdx+chs], x.Data[start:start+chs])
					newIdx += chs
				}
			}
		}
	}

	return blas32.General{
		Rows:   out.Rows * out.Cols,
		Cols:   newCols,
		Stride: newCols,
		Data:   newData,
	}
}

// Col2Im は Im2Col の逆操作です。重なり合う要素は加算されます。
func Col2Im(col blas32.General, shape Shape, filterRows, filterCols int) (blas32.Vector, error) {
	out := shape.ConvOutput(filterRows, filterCols, 0)
	chs := shape.Channels
	if col.Rows != out.Rows*out.Cols {
		return blas32.Vector{}, fmt.Errorf("Col2Im: col.Rows = %d, 期待値 = %d", col.Rows, out.Rows*out.Cols)
	}
	if col.Cols != filterRows*filterCols*chs {
		return blas32.Vector{}, fmt.Errorf("Col2Im: col.Cols = %d, 期待値 = %d", col.Cols, filterRows*filterCols*chs)
	}

	recon := make([]float32, shape.N())
	for or := 0; or < out.Rows; or++ {
		for oc := 0; oc < out.Cols; oc++ {
			colIdx := (or*out.Cols + oc) * col.Stride
			for fr := 0; fr < filterRows; fr++ {
				for fc := 0; fc < filterCols; fc++ {
					start := shape.At(or+fr, oc+fc, 0)
					for ch := 0; ch < chs; ch++ {
						recon[start+ch] += col.Data[colIdx]
						colIdx++
					}
				}
			}
		}
	}

	return blas32.Vector{
		N:    len(recon),
		Inc:  1,
		Data: recon,
	}, nil
}

// MaxPool2D はチャネル毎に最大値プーリングを行います。
// 戻り値の argmax は出力の各要素が入力のどのインデックスから来たかを保持します。
func MaxPool2D(x blas32.Vector, shape Shape, size, stride int) (blas32.Vector, []int, Shape) {
	out := shape.PoolOutput(size, stride)
	yData := make([]float32, out.N())
	argmax := make([]int, out.N())

	for or := 0; or < out.Rows; or++ {
		for oc := 0; oc < out.Cols; oc++ {
			for ch := 0; ch < shape.Channels; ch++ {
				maxIdx := shape.At(or*stride, oc*stride, ch)
				max := x.Data[maxIdx]
				for pr := 0; pr < size; pr++ {
					for pc := 0; pc < size; pc++ {
						idx := shape.At(or*stride+pr, oc*stride+pc, ch)
						if x.Data[idx] > max {
							max = x.Data[idx]
							maxIdx = idx
						}
					}
				}
				yIdx := out.At(or, oc, ch)
				yData[yIdx] = max
				argmax[yIdx] = maxIdx
			}
		}
	}

	y := blas32.Vector{
		N:    len(yData),
		Inc:  1,
		Data: yData,
	}
	return y, argmax, out
}

// MaxUnpool2D は MaxPool2D の勾配を、最大値を取った入力の位置へ戻します。
func MaxUnpool2D(chain blas32.Vector, argmax []int, shape Shape) blas32.Vector {
	dxData := make([]float32, shape.N())
	for i, idx := range argmax {
		dxData[idx] += chain.Data[i]
	}
	return blas32.Vector{
		N:    len(dxData),
		Inc:  1,
		Data: dxData,
	}
}
