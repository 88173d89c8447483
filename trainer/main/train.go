package main

import (
	"context"
	"flag"
	"fmt"
	"github.com/google/uuid"
	"github.com/klauspost/cpuid/v2"
	"github.com/sw965/spritemnist/blas32/tensor/3d"
	"github.com/sw965/spritemnist/dataset"
	crand "github.com/sw965/spritemnist/math/rand"
	"github.com/sw965/spritemnist/model/nn"
	"github.com/sw965/spritemnist/trainer"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"time"
)

func defaultParallel() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

func main() {
	defaults := trainer.DefaultSettings()

	modelType := flag.String("model", nn.ConvNet, "ConvNet または DenseNet")
	epochs := flag.Int("epochs", defaults.Epochs, "")
	batchSize := flag.Int("batch-size", defaults.BatchSize, "")
	validationSplit := flag.Float64("validation-split", defaults.ValidationSplit, "")
	optimizerName := flag.String("optimizer", defaults.Optimizer, "rmsprop, adam, momentum, sgd")
	imagesURL := flag.String("images-url", dataset.MnistImagesURL, "")
	labelsURL := flag.String("labels-url", dataset.MnistLabelsURL, "")
	cacheDir := flag.String("cache-dir", "", "空でなければ取得したファイルをここに保存して再利用する")
	p := flag.Int("parallel", defaultParallel(), "勾配計算の並列数")
	seed := flag.Int64("seed", time.Now().UnixNano(), "")
	numPredictions := flag.Int("predictions", 100, "学習後に予測を表示するテスト用データの数")
	timeout := flag.Duration("timeout", 0, "0 なら無制限")
	previewDir := flag.String("preview-dir", "", "空でなければ予測を表示した画像を PNG で保存する")
	previewScale := flag.Int("preview-scale", 4, "保存する画像の拡大率")
	flag.Parse()

	log.SetPrefix(fmt.Sprintf("[%s] ", uuid.New().String()[:8]))
	log.Printf("CPU: %s (physical cores = %d, logical cores = %d, AVX2 = %v)",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, cpuid.CPU.Supports(cpuid.AVX2))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	var fetcher dataset.Fetcher = dataset.HTTPFetcher{Client: &http.Client{}}
	if *cacheDir != "" {
		fetcher = dataset.CacheFetcher{Dir: *cacheDir, Next: fetcher}
	}

	log.Println("Loading MNIST data...")
	data := dataset.NewMnistData(fetcher)
	data.ImagesURL = *imagesURL
	data.LabelsURL = *labelsURL
	if err := data.Load(ctx); err != nil {
		log.Fatalf("データの読み込み失敗: %v", err)
	}

	log.Println("Creating model...")
	layout := data.Layout
	input := tensor3d.Shape{Rows: layout.ImageRows, Cols: layout.ImageCols, Channels: 1}
	model, err := nn.NewModel(*modelType, input, layout.NumClasses, crand.NewMt19937(*seed))
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("%s\n%s", *modelType, model.Summary())

	settings := trainer.Settings{
		Epochs:          *epochs,
		BatchSize:       *batchSize,
		ValidationSplit: *validationSplit,
		Optimizer:       *optimizerName,
		Parallel:        *p,
		Seed:            *seed,
	}

	report := func(progress trainer.Progress) {
		if progress.Event == trainer.BatchEnd && progress.Step%10 != 0 {
			return
		}
		log.Printf("%s %s loss = %.4f, acc = %.4f", progress.Status(), progress.Set, progress.Loss, progress.Acc)
	}
	onIteration := func(event trainer.Event, index int, logs trainer.Logs) {
		if event == trainer.EpochEnd {
			log.Printf("epoch %d: loss = %.4f, acc = %.4f, val_loss = %.4f, val_acc = %.4f",
				index+1, logs.Loss, logs.Acc, logs.ValLoss, logs.ValAcc)
		}
	}

	log.Println("Starting model training...")
	start := time.Now()
	result, err := trainer.Train(ctx, data, model, settings, report, onIteration)
	if err != nil {
		log.Fatalf("学習失敗: %v", err)
	}
	log.Printf("学習時間: %v", time.Since(start))
	log.Println(result.Status())

	if *numPredictions <= 0 {
		return
	}
	examples, err := data.TestDataN(min(*numPredictions, layout.NumTest()))
	if err != nil {
		log.Fatal(err)
	}
	predictions, err := trainer.Predictions(model, examples, *p)
	if err != nil {
		log.Fatal(err)
	}
	correct := 0
	for i, prediction := range predictions {
		if prediction.Correct() {
			correct++
		} else {
			log.Printf("#%d pred: %d, label: %d", i, prediction.Predicted, prediction.Label)
		}
		if *previewDir != "" {
			if err := savePreview(*previewDir, examples, i, prediction, layout, *previewScale); err != nil {
				log.Fatal(err)
			}
		}
	}
	log.Printf("Predictions: %d / %d correct", correct, len(predictions))
}

func savePreview(dir string, examples dataset.Batch, i int, prediction trainer.Prediction, layout dataset.Layout, scale int) (err error) {
	pixels, err := examples.ImageAt(i)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	name := fmt.Sprintf("%03d_pred%d_label%d.png", i, prediction.Predicted, prediction.Label)
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return dataset.EncodeImagePNG(f, pixels, layout.ImageRows, layout.ImageCols, scale)
}
