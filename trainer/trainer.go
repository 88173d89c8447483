// Package trainer はモデルの学習、評価、予測の表示までの流れをまとめます。
package trainer

import (
	"context"
	"fmt"
	"github.com/sw965/omw/parallel"
	"github.com/sw965/spritemnist/blas32/vector"
	"github.com/sw965/spritemnist/dataset"
	"github.com/sw965/spritemnist/model/nn"
	"github.com/sw965/spritemnist/optimizer"
	"math"
)

// Data は訓練用とテスト用のバッチを返します。*dataset.MnistData が満たします。
type Data interface {
	TrainData() (dataset.Batch, error)
	TestData() (dataset.Batch, error)
}

type Settings struct {
	Epochs          int
	BatchSize       int
	ValidationSplit float64
	Optimizer       string
	Parallel        int
	Seed            int64
}

func DefaultSettings() Settings {
	return Settings{
		Epochs:          3,
		BatchSize:       320,
		ValidationSplit: 0.15,
		Optimizer:       optimizer.RMSPropName,
		Parallel:        1,
		Seed:            0,
	}
}

type Event string

const (
	BatchEnd Event = "onBatchEnd"
	EpochEnd Event = "onEpochEnd"
)

type Set string

const (
	TrainSet      Set = "train"
	ValidationSet Set = "validation"
)

// Progress は 1 回の報告です。Step はそれまでに終えたバッチの総数、
// Index はエポック内のバッチ番号 (BatchEnd) かエポック番号 (EpochEnd) です。
type Progress struct {
	Event    Event
	Set      Set
	Step     int
	Index    int
	Loss     float32
	Acc      float32
	Fraction float64
}

func (p Progress) Status() string {
	return fmt.Sprintf("Training... (%.1f%% complete)", p.Fraction*100)
}

type Reporter func(Progress)

// IterationFunc は 10 バッチ毎とエポック終了毎に呼ばれます。
type IterationFunc func(event Event, index int, logs Logs)

type Point struct {
	X int
	Y float32
}

// History の X はそれまでに終えたバッチの総数です。
type History struct {
	TrainLoss []Point
	TrainAcc  []Point
	ValLoss   []Point
	ValAcc    []Point
}

type Result struct {
	TotalNumBatches int
	ValAcc          float32
	TestLoss        float32
	TestAcc         float32
	History         History
}

func (r Result) Status() string {
	return fmt.Sprintf("Final validation accuracy: %.1f%%; Final test accuracy: %.1f%%", r.ValAcc*100, r.TestAcc*100)
}

func TotalNumBatches(n int, validationSplit float64, batchSize, epochs int) int {
	return int(math.Ceil(float64(n)*(1-validationSplit)/float64(batchSize))) * epochs
}

// Train は訓練用データで model を学習し、最後にテスト用データ全体で評価します。
// report と onIteration は nil でも構いません。
func Train(ctx context.Context, data Data, model *nn.Model, settings Settings, report Reporter, onIteration IterationFunc) (Result, error) {
	trainBatch, err := data.TrainData()
	if err != nil {
		return Result{}, err
	}
	testBatch, err := data.TestData()
	if err != nil {
		return Result{}, err
	}
	xs, ts, err := BatchToVectors(trainBatch)
	if err != nil {
		return Result{}, err
	}

	opt, err := optimizer.New(settings.Optimizer, model.Parameters)
	if err != nil {
		return Result{}, err
	}

	total := TotalNumBatches(len(xs), settings.ValidationSplit, settings.BatchSize, settings.Epochs)
	result := Result{TotalNumBatches: total}
	trainBatchCount := 0

	fraction := func() float64 {
		if total == 0 {
			return 0.0
		}
		return float64(trainBatchCount) / float64(total)
	}

	callbacks := Callbacks{
		OnBatchEnd: func(batch int, logs Logs) {
			trainBatchCount++
			h := &result.History
			h.TrainLoss = append(h.TrainLoss, Point{X: trainBatchCount, Y: logs.Loss})
			h.TrainAcc = append(h.TrainAcc, Point{X: trainBatchCount, Y: logs.Acc})
			if report != nil {
				report(Progress{
					Event:    BatchEnd,
					Set:      TrainSet,
					Step:     trainBatchCount,
					Index:    batch,
					Loss:     logs.Loss,
					Acc:      logs.Acc,
					Fraction: fraction(),
				})
			}
			if onIteration != nil && batch%10 == 0 {
				onIteration(BatchEnd, batch, logs)
			}
		},
		OnEpochEnd: func(epoch int, logs Logs) {
			result.ValAcc = logs.ValAcc
			h := &result.History
			h.ValLoss = append(h.ValLoss, Point{X: trainBatchCount, Y: logs.ValLoss})
			h.ValAcc = append(h.ValAcc, Point{X: trainBatchCount, Y: logs.ValAcc})
			if report != nil {
				report(Progress{
					Event:    EpochEnd,
					Set:      ValidationSet,
					Step:     trainBatchCount,
					Index:    epoch,
					Loss:     logs.ValLoss,
					Acc:      logs.ValAcc,
					Fraction: fraction(),
				})
			}
			if onIteration != nil {
				onIteration(EpochEnd, epoch, logs)
			}
		},
	}

	cfg := FitConfig{
		BatchSize:       settings.BatchSize,
		Epochs:          settings.Epochs,
		ValidationSplit: settings.ValidationSplit,
		Shuffle:         true,
		Seed:            settings.Seed,
		Parallel:        settings.Parallel,
	}
	if err := Fit(ctx, model, opt, xs, ts, cfg, callbacks); err != nil {
		return result, err
	}

	testXs, testTs, err := BatchToVectors(testBatch)
	if err != nil {
		return result, err
	}
	stats, err := model.Evaluate(testXs, testTs, settings.Parallel)
	if err != nil {
		return result, err
	}
	result.TestLoss = stats.MeanLoss()
	result.TestAcc = stats.Accuracy()
	return result, nil
}

type Prediction struct {
	Predicted int
	Label     int
}

func (p Prediction) Correct() bool {
	return p.Predicted == p.Label
}

// Predictions は batch の各要素について、確率が最大のクラスと正解のクラスを返します。
func Predictions(model *nn.Model, batch dataset.Batch, p int) ([]Prediction, error) {
	xs, _, err := BatchToVectors(batch)
	if err != nil {
		return nil, err
	}
	labels := batch.ClassIndices()
	predictions := make([]Prediction, len(xs))
	if len(xs) == 0 {
		return predictions, nil
	}
	if p <= 0 {
		p = 1
	}
	p = min(p, len(xs))

	groups := parallel.DistributeIndicesEvenly(len(xs), p)
	errCh := make(chan error, len(groups))
	for _, idxs := range groups {
		go func(idxs []int) {
			for _, idx := range idxs {
				y, err := model.Predict(xs[idx])
				if err != nil {
					errCh <- err
					return
				}
				predictions[idx] = Prediction{
					Predicted: vector.MaxIndex(y),
					Label:     labels[idx],
				}
			}
			errCh <- nil
		}(idxs)
	}

	for range groups {
		if err := <-errCh; err != nil {
			return nil, err
		}
	}
	return predictions, nil
}
