// Package nn は blas32 上に組んだ小さな逐次型ニューラルネットワークです。
// 各層の順伝播は逆伝播のクロージャを返し、勾配はミニバッチ単位で並列に計算されます。
package nn

import (
	"fmt"
	"github.com/sw965/omw/parallel"
	"github.com/sw965/spritemnist/blas32/tensor/2d"
	"github.com/sw965/spritemnist/blas32/tensor/3d"
	"github.com/sw965/spritemnist/blas32/vector"
	"gonum.org/v1/gonum/blas/blas32"
	"math/rand"
	"strings"
)

// Layer はサマリー表示用の層の情報です。
type Layer struct {
	Name   string
	Output tensor3d.Shape
}

type Model struct {
	InputShape  tensor3d.Shape
	Parameters  Parameters
	Forwards    Forwards
	Layers      []Layer
	PredictLoss PredictLoss

	shape tensor3d.Shape
}

// NewSequential は入力の形状 (HWC) を指定して空のモデルを作ります。
func NewSequential(input tensor3d.Shape) *Model {
	return &Model{
		InputShape: input,
		shape:      input,
	}
}

func (m *Model) OutputShape() tensor3d.Shape {
	return m.shape
}

func (m *Model) append(name string, param Parameter, f Forward, out tensor3d.Shape) {
	m.Parameters = append(m.Parameters, param)
	m.Forwards = append(m.Forwards, f)
	m.Layers = append(m.Layers, Layer{Name: name, Output: out})
	m.shape = out
}

func (m *Model) AppendConv2D(filterRows, filterCols, filters int, rng *rand.Rand) {
	in := m.shape
	fanIn := filterRows * filterCols * in.Channels
	param := Parameter{
		Weight: tensor2d.NewHe(fanIn, filters, rng),
		Bias:   vector.NewZeros(filters),
	}
	out := in.ConvOutput(filterRows, filterCols, filters)
	m.append("conv2d", param, NewConv2DForward(in, filterRows, filterCols), out)
}

func (m *Model) AppendMaxPool2D(size, stride int) {
	in := m.shape
	m.append("max_pooling2d", emptyParameter(), NewMaxPool2DForward(in, size, stride), in.PoolOutput(size, stride))
}

func (m *Model) AppendFlatten() {
	out := tensor3d.Shape{Rows: 1, Cols: 1, Channels: m.shape.N()}
	m.append("flatten", emptyParameter(), FlattenForward, out)
}

func (m *Model) AppendAffine(yn int, rng *rand.Rand) {
	xn := m.shape.N()
	param := Parameter{
		Weight: tensor2d.NewHe(xn, yn, rng),
		Bias:   vector.NewZeros(yn),
	}
	m.append("dense", param, AffineForward, tensor3d.Shape{Rows: 1, Cols: 1, Channels: yn})
}

func (m *Model) AppendReLU() {
	m.append("relu", emptyParameter(), ReLUForward, m.shape)
}

func (m *Model) AppendOutputSoftmaxAndSetCrossEntropyLoss() {
	m.append("softmax", emptyParameter(), SoftmaxForOutputForward, m.shape)
	m.PredictLoss = NewCrossEntropyLossForSoftmax()
}

func (m *Model) Predict(x blas32.Vector) (blas32.Vector, error) {
	y, _, err := m.Forwards.Propagate(x, m.Parameters)
	return y, err
}

func (m *Model) BackPropagateByTeacher(x, t blas32.Vector) (blas32.Vector, GradBuffers, error) {
	y, backwards, err := m.Forwards.Propagate(x, m.Parameters)
	if err != nil {
		return blas32.Vector{}, nil, err
	}
	firstChain, err := m.PredictLoss.Derivative(y, t)
	if err != nil {
		return blas32.Vector{}, nil, err
	}
	_, grads, err := backwards.Propagate(firstChain)
	return y, grads, err
}

// Stats はデータ集合に対する損失の合計と正解数です。
type Stats struct {
	LossSum float32
	Correct int
	N       int
}

func (s *Stats) add(loss float32, y, t blas32.Vector) {
	s.LossSum += loss
	if vector.MaxIndex(y) == vector.MaxIndex(t) {
		s.Correct++
	}
	s.N++
}

func (s *Stats) Merge(other Stats) {
	s.LossSum += other.LossSum
	s.Correct += other.Correct
	s.N += other.N
}

func (s Stats) MeanLoss() float32 {
	if s.N == 0 {
		return 0.0
	}
	return s.LossSum / float32(s.N)
}

func (s Stats) Accuracy() float32 {
	if s.N == 0 {
		return 0.0
	}
	return float32(s.Correct) / float32(s.N)
}

func validateBatch(xs, ts []blas32.Vector) error {
	if len(xs) != len(ts) {
		return fmt.Errorf("バッチサイズが一致しません。(len(xs) = %d, len(ts) = %d)", len(xs), len(ts))
	}
	if len(xs) == 0 {
		return fmt.Errorf("バッチが空です。")
	}
	return nil
}

// Evaluate は xs, ts 全体の損失と正解率を p 並列で計算します。
func (m *Model) Evaluate(xs, ts []blas32.Vector, p int) (Stats, error) {
	if err := validateBatch(xs, ts); err != nil {
		return Stats{}, err
	}
	if p <= 0 {
		p = 1
	}
	p = min(p, len(xs))

	groups := parallel.DistributeIndicesEvenly(len(xs), p)
	statsByWorker := make([]Stats, len(groups))
	errCh := make(chan error, len(groups))

	worker := func(workerIdx int, idxs []int) {
		var stats Stats
		for _, idx := range idxs {
			y, err := m.Predict(xs[idx])
			if err != nil {
				errCh <- err
				return
			}
			loss, err := m.PredictLoss.Func(y, ts[idx])
			if err != nil {
				errCh <- err
				return
			}
			stats.add(loss, y, ts[idx])
		}
		statsByWorker[workerIdx] = stats
		errCh <- nil
	}

	for workerIdx, idxs := range groups {
		go worker(workerIdx, idxs)
	}

	for range groups {
		if err := <-errCh; err != nil {
			return Stats{}, err
		}
	}

	total := Stats{}
	for _, s := range statsByWorker {
		total.Merge(s)
	}
	return total, nil
}

// ComputeGrads はミニバッチの平均勾配と、更新前のパラメーターでの損失・正解数を返します。
func (m *Model) ComputeGrads(xs, ts []blas32.Vector, p int) (GradBuffers, Stats, error) {
	if err := validateBatch(xs, ts); err != nil {
		return nil, Stats{}, err
	}
	if p <= 0 {
		p = 1
	}
	p = min(p, len(xs))

	groups := parallel.DistributeIndicesEvenly(len(xs), p)
	gradsByWorker := make([]GradBuffers, len(groups))
	statsByWorker := make([]Stats, len(groups))
	errCh := make(chan error, len(groups))

	worker := func(workerIdx int, idxs []int) {
		total := m.Parameters.NewGradsZerosLike()
		var stats Stats
		for _, idx := range idxs {
			x := xs[idx]
			t := ts[idx]
			y, grads, err := m.BackPropagateByTeacher(x, t)
			if err != nil {
				errCh <- err
				return
			}
			loss, err := m.PredictLoss.Func(y, t)
			if err != nil {
				errCh <- err
				return
			}
			stats.add(loss, y, t)
			total.Axpy(1.0, grads)
		}
		gradsByWorker[workerIdx] = total
		statsByWorker[workerIdx] = stats
		errCh <- nil
	}

	for workerIdx, idxs := range groups {
		go worker(workerIdx, idxs)
	}

	for range groups {
		if err := <-errCh; err != nil {
			return nil, Stats{}, err
		}
	}

	total := m.Parameters.NewGradsZerosLike()
	stats := Stats{}
	for i := range gradsByWorker {
		total.Axpy(1.0, gradsByWorker[i])
		stats.Merge(statsByWorker[i])
	}
	total.Scal(1.0 / float32(len(xs)))
	return total, stats, nil
}

func (m *Model) ParamCount() int {
	return m.Parameters.N()
}

// Summary は層毎の出力形状とパラメーター数を表にして返します。
func (m *Model) Summary() string {
	var sb strings.Builder
	line := strings.Repeat("_", 65)
	fmt.Fprintln(&sb, line)
	fmt.Fprintf(&sb, "%-28s %-24s %s\n", "Layer (type)", "Output shape", "Param #")
	fmt.Fprintln(&sb, strings.Repeat("=", 65))
	for i, layer := range m.Layers {
		name := fmt.Sprintf("%s_%d", layer.Name, i+1)
		shape := fmt.Sprintf("[null,%d,%d,%d]", layer.Output.Rows, layer.Output.Cols, layer.Output.Channels)
		if layer.Output.Rows == 1 && layer.Output.Cols == 1 {
			shape = fmt.Sprintf("[null,%d]", layer.Output.Channels)
		}
		fmt.Fprintf(&sb, "%-28s %-24s %d\n", name, shape, m.Parameters[i].N())
	}
	fmt.Fprintln(&sb, strings.Repeat("=", 65))
	fmt.Fprintf(&sb, "Total params: %d\n", m.ParamCount())
	fmt.Fprintln(&sb, line)
	return sb.String()
}
