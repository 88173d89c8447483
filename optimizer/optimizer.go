package optimizer

import (
	"fmt"
	"github.com/chewxy/math32"
	"github.com/sw965/spritemnist/model/nn"
	"strings"
)

// Optimizer は勾配を使ってパラメーターをその場で更新します。
type Optimizer interface {
	Update(nn.Parameters, nn.GradBuffers) error
}

const (
	RMSPropName  = "rmsprop"
	AdamName     = "adam"
	MomentumName = "momentum"
	SGDName      = "sgd"
)

// New は名前から既定値の Optimizer を作ります。大文字小文字は区別しません。
func New(name string, params nn.Parameters) (Optimizer, error) {
	switch strings.ToLower(name) {
	case RMSPropName:
		return NewRMSProp(params), nil
	case AdamName:
		return NewAdam(params), nil
	case MomentumName:
		return NewMomentum(params), nil
	case SGDName:
		return &SGD{LearningRate: 0.01}, nil
	}
	return nil, fmt.Errorf("未対応のオプティマイザーです: %s", name)
}

// segments は層毎の Weight と Bias の生データを順に並べて返します。
func segments(params nn.Parameters) [][]float32 {
	segs := make([][]float32, 0, len(params)*2)
	for i := range params {
		segs = append(segs, params[i].Weight.Data, params[i].Bias.Data)
	}
	return segs
}

func gradSegments(grads nn.GradBuffers) [][]float32 {
	segs := make([][]float32, 0, len(grads)*2)
	for i := range grads {
		segs = append(segs, grads[i].Weight.Data, grads[i].Bias.Data)
	}
	return segs
}

func zerosLike(segs [][]float32) [][]float32 {
	zeros := make([][]float32, len(segs))
	for i, seg := range segs {
		zeros[i] = make([]float32, len(seg))
	}
	return zeros
}

func pair(name string, params nn.Parameters, grads nn.GradBuffers) ([][]float32, [][]float32, error) {
	if len(params) != len(grads) {
		return nil, nil, fmt.Errorf("%s: パラメーターの数 (%d) と勾配の数 (%d) が一致しません。", name, len(params), len(grads))
	}
	ps := segments(params)
	gs := gradSegments(grads)
	for i := range ps {
		if len(ps[i]) != len(gs[i]) {
			return nil, nil, fmt.Errorf("%s: 層 %d のパラメーター (%d) と勾配 (%d) の大きさが一致しません。", name, i/2, len(ps[i]), len(gs[i]))
		}
	}
	return ps, gs, nil
}

func sameLayout(state, ps [][]float32) bool {
	if len(state) != len(ps) {
		return false
	}
	for i := range state {
		if len(state[i]) != len(ps[i]) {
			return false
		}
	}
	return true
}

type SGD struct {
	LearningRate float32
}

func (o *SGD) Update(params nn.Parameters, grads nn.GradBuffers) error {
	if _, _, err := pair("SGD", params, grads); err != nil {
		return err
	}
	params.AxpyGrads(-o.LearningRate, grads)
	return nil
}

type Momentum struct {
	LearningRate float32
	Momentum     float32

	velocity [][]float32
}

func NewMomentum(params nn.Parameters) *Momentum {
	return &Momentum{
		LearningRate: 0.01,
		Momentum:     0.9,
		velocity:     zerosLike(segments(params)),
	}
}

func (o *Momentum) Update(params nn.Parameters, grads nn.GradBuffers) error {
	ps, gs, err := pair("Momentum", params, grads)
	if err != nil {
		return err
	}
	if !sameLayout(o.velocity, ps) {
		o.velocity = zerosLike(ps)
	}

	for i := range ps {
		p, g, v := ps[i], gs[i], o.velocity[i]
		for j := range p {
			v[j] = (o.Momentum * v[j]) - (o.LearningRate * g[j])
			p[j] += v[j]
		}
	}
	return nil
}

// RMSProp は勾配の二乗の移動平均で学習率を割ります。
// 更新式は p -= lr * g / sqrt(ms + eps) です。
type RMSProp struct {
	LearningRate float32
	Decay        float32
	Epsilon      float32

	meanSquare [][]float32
}

func NewRMSProp(params nn.Parameters) *RMSProp {
	return &RMSProp{
		LearningRate: 0.001,
		Decay:        0.9,
		Epsilon:      1e-7,
		meanSquare:   zerosLike(segments(params)),
	}
}

func (o *RMSProp) Update(params nn.Parameters, grads nn.GradBuffers) error {
	ps, gs, err := pair("RMSProp", params, grads)
	if err != nil {
		return err
	}
	if !sameLayout(o.meanSquare, ps) {
		o.meanSquare = zerosLike(ps)
	}

	decay := o.Decay
	for i := range ps {
		p, g, ms := ps[i], gs[i], o.meanSquare[i]
		for j := range p {
			ms[j] = decay*ms[j] + (1-decay)*g[j]*g[j]
			p[j] -= o.LearningRate * g[j] / math32.Sqrt(ms[j]+o.Epsilon)
		}
	}
	return nil
}

type Adam struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32

	iter int
	m    [][]float32
	v    [][]float32
}

// NewAdam の 1 次・2 次モーメントは params と同じ形状で 0 初期化されます。
func NewAdam(params nn.Parameters) *Adam {
	segs := segments(params)
	return &Adam{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
		m:            zerosLike(segs),
		v:            zerosLike(segs),
	}
}

func (o *Adam) Update(params nn.Parameters, grads nn.GradBuffers) error {
	ps, gs, err := pair("Adam", params, grads)
	if err != nil {
		return err
	}
	if !sameLayout(o.m, ps) {
		o.m = zerosLike(ps)
		o.v = zerosLike(ps)
		o.iter = 0
	}

	o.iter++
	beta1, beta2 := o.Beta1, o.Beta2
	lrt := o.LearningRate *
		math32.Sqrt(1-math32.Pow(beta2, float32(o.iter))) /
		(1 - math32.Pow(beta1, float32(o.iter)))

	for i := range ps {
		p, g, m, v := ps[i], gs[i], o.m[i], o.v[i]
		for j := range p {
			m[j] += (1 - beta1) * (g[j] - m[j])
			v[j] += (1 - beta2) * (g[j]*g[j] - v[j])
			p[j] -= lrt * m[j] / (math32.Sqrt(v[j]) + o.Epsilon)
		}
	}
	return nil
}
