package trainer

import (
	"context"
	"fmt"
	"github.com/sw965/spritemnist/blas32/vector"
	"github.com/sw965/spritemnist/dataset"
	crand "github.com/sw965/spritemnist/math/rand"
	"github.com/sw965/spritemnist/model/nn"
	"github.com/sw965/spritemnist/optimizer"
	"gonum.org/v1/gonum/blas/blas32"
	"math"
)

type FitConfig struct {
	BatchSize       int
	Epochs          int
	ValidationSplit float64
	Shuffle         bool
	Seed            int64
	Parallel        int
}

// Logs はバッチ終了時には Loss と Acc だけ、エポック終了時には全てが埋まります。
// Loss と Acc はバッチ終了時にはそのバッチの、エポック終了時にはエポック全体の平均です。
type Logs struct {
	Loss    float32
	Acc     float32
	ValLoss float32
	ValAcc  float32
}

type Callbacks struct {
	OnBatchEnd func(batch int, logs Logs)
	OnEpochEnd func(epoch int, logs Logs)
}

// SplitValidation は n 個の内、先頭の訓練に使う個数を返します。残りが検証用です。
func SplitValidation(n int, split float64) (int, error) {
	if split < 0 || split >= 1 {
		return 0, fmt.Errorf("validationSplit は 0 以上 1 未満です: %v", split)
	}
	nTrain := int(math.Floor(float64(n) * (1 - split)))
	if nTrain <= 0 {
		return 0, fmt.Errorf("検証用に分けた後の訓練データが空です。(n = %d, validationSplit = %v)", n, split)
	}
	return nTrain, nil
}

// BatchToVectors は Batch を 1 要素ずつの Vector に分けます。データはコピーしません。
func BatchToVectors(b dataset.Batch) ([]blas32.Vector, []blas32.Vector, error) {
	shape := b.Xs.Shape()
	imageSize := 1
	for _, d := range shape[1:] {
		imageSize *= d
	}
	xs, err := vector.SplitRows(b.XsData(), imageSize)
	if err != nil {
		return nil, nil, err
	}
	ts, err := vector.SplitRows(b.LabelsData(), b.Labels.Shape()[1])
	if err != nil {
		return nil, nil, err
	}
	if len(xs) != len(ts) {
		return nil, nil, fmt.Errorf("画像の数 (%d) とラベルの数 (%d) が一致しません。", len(xs), len(ts))
	}
	return xs, ts, nil
}

// Fit は xs, ts の末尾 ValidationSplit の割合を検証用に取り分け、残りでミニバッチ学習を行います。
// ctx はバッチ毎に確認され、キャンセルされると ctx.Err() を包んだエラーを返します。
func Fit(ctx context.Context, model *nn.Model, opt optimizer.Optimizer, xs, ts []blas32.Vector, cfg FitConfig, cb Callbacks) error {
	if len(xs) != len(ts) {
		return fmt.Errorf("バッチサイズが一致しません。(len(xs) = %d, len(ts) = %d)", len(xs), len(ts))
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("batchSize は 1 以上です: %d", cfg.BatchSize)
	}
	if cfg.Epochs < 0 {
		return fmt.Errorf("epochs は 0 以上です: %d", cfg.Epochs)
	}

	nTrain, err := SplitValidation(len(xs), cfg.ValidationSplit)
	if err != nil {
		return err
	}
	trainXs, trainTs := xs[:nTrain], ts[:nTrain]
	valXs, valTs := xs[nTrain:], ts[nTrain:]

	rng := crand.NewMt19937(cfg.Seed)
	idxs := make([]int, nTrain)
	for i := range idxs {
		idxs[i] = i
	}
	batchXs := make([]blas32.Vector, 0, cfg.BatchSize)
	batchTs := make([]blas32.Vector, 0, cfg.BatchSize)

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		if cfg.Shuffle {
			rng.Shuffle(len(idxs), func(i, j int) { idxs[i], idxs[j] = idxs[j], idxs[i] })
		}

		var epochStats nn.Stats
		for batch, start := 0, 0; start < nTrain; batch, start = batch+1, start+cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("学習を中断しました (epoch = %d, batch = %d): %w", epoch, batch, err)
			}

			end := min(start+cfg.BatchSize, nTrain)
			batchXs = batchXs[:0]
			batchTs = batchTs[:0]
			for _, idx := range idxs[start:end] {
				batchXs = append(batchXs, trainXs[idx])
				batchTs = append(batchTs, trainTs[idx])
			}

			grads, stats, err := model.ComputeGrads(batchXs, batchTs, cfg.Parallel)
			if err != nil {
				return err
			}
			if err := opt.Update(model.Parameters, grads); err != nil {
				return err
			}
			epochStats.Merge(stats)

			if cb.OnBatchEnd != nil {
				cb.OnBatchEnd(batch, Logs{Loss: stats.MeanLoss(), Acc: stats.Accuracy()})
			}
		}

		logs := Logs{Loss: epochStats.MeanLoss(), Acc: epochStats.Accuracy()}
		if len(valXs) != 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("学習を中断しました (epoch = %d): %w", epoch, err)
			}
			valStats, err := model.Evaluate(valXs, valTs, cfg.Parallel)
			if err != nil {
				return err
			}
			logs.ValLoss = valStats.MeanLoss()
			logs.ValAcc = valStats.Accuracy()
		}
		if cb.OnEpochEnd != nil {
			cb.OnEpochEnd(epoch, logs)
		}
	}
	return nil
}
