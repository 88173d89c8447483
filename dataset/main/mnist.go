package main

import (
	"compress/gzip"
	"encoding/binary"
	"flag"
	"fmt"
	"github.com/sw965/spritemnist/dataset"
	"io"
	"log"
	"os"
	"path/filepath"
)

// IDX 形式 (gzip) の MNIST から、スプライト PNG と one-hot ラベルのファイルを作ります。
// 出力は dataset.CacheFetcher のキャッシュディレクトリにそのまま置けます。
func main() {
	trainImagesFile := flag.String("train-images", "train-images-idx3-ubyte.gz", "")
	trainLabelsFile := flag.String("train-labels", "train-labels-idx1-ubyte.gz", "")
	testImagesFile := flag.String("test-images", "t10k-images-idx3-ubyte.gz", "")
	testLabelsFile := flag.String("test-labels", "t10k-labels-idx1-ubyte.gz", "")
	outDir := flag.String("out", ".", "出力先のディレクトリ")
	n := flag.Int("n", dataset.MnistLayout.NumElements, "スプライトに入れる画像の数")
	flag.Parse()

	log.Println("MNISTデータの読み込みを開始します...")

	log.Println("学習用画像を読み込んでいます...")
	trainImages, imageSize, err := readImages(*trainImagesFile)
	if err != nil {
		log.Fatalf("学習用画像の読み込み失敗: %v", err)
	}

	log.Println("学習用ラベルを読み込んでいます...")
	trainLabels, err := readLabels(*trainLabelsFile)
	if err != nil {
		log.Fatalf("学習用ラベルの読み込み失敗: %v", err)
	}

	log.Println("テスト用画像を読み込んでいます...")
	testImages, testImageSize, err := readImages(*testImagesFile)
	if err != nil {
		log.Fatalf("テスト用画像の読み込み失敗: %v", err)
	}
	if testImageSize != imageSize {
		log.Fatalf("画像の大きさが一致しません: %d != %d", imageSize, testImageSize)
	}

	log.Println("テスト用ラベルを読み込んでいます...")
	testLabels, err := readLabels(*testLabelsFile)
	if err != nil {
		log.Fatalf("テスト用ラベルの読み込み失敗: %v", err)
	}

	images := append(trainImages, testImages...)
	labels := append(trainLabels, testLabels...)
	total := len(labels)
	if len(images) != total*imageSize {
		log.Fatalf("画像の数 (%d) とラベルの数 (%d) が一致しません。", len(images)/imageSize, total)
	}
	if *n <= 0 || *n > total {
		log.Fatalf("-n は 1 以上 %d 以下です: %d", total, *n)
	}
	log.Printf("読み込み完了: %d 枚中 %d 枚をスプライトにします。", total, *n)

	png, err := dataset.EncodeSpritePNG(images[:*n*imageSize], imageSize)
	if err != nil {
		log.Fatalf("スプライトの作成失敗: %v", err)
	}
	oneHot, err := dataset.OneHot(labels[:*n], dataset.MnistLayout.NumClasses)
	if err != nil {
		log.Fatalf("ラベルの変換失敗: %v", err)
	}

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		log.Fatal(err)
	}
	imagesPath := filepath.Join(*outDir, "mnist_images.png")
	labelsPath := filepath.Join(*outDir, "mnist_labels_uint8")
	if err := os.WriteFile(imagesPath, png, 0644); err != nil {
		log.Fatalf("保存失敗: %v", err)
	}
	if err := os.WriteFile(labelsPath, oneHot, 0644); err != nil {
		log.Fatalf("保存失敗: %v", err)
	}

	log.Printf("完了しました！ '%s' と '%s' に保存されました。", imagesPath, labelsPath)
}

func openGzip(filename string) (*os.File, *gzip.Reader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, err
	}
	gr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, gr, nil
}

// readImages は画素を 0-255 のまま行優先で返します。
func readImages(filename string) ([]uint8, int, error) {
	f, gr, err := openGzip(filename)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	defer gr.Close()

	// ヘッダー (16バイト)
	header := make([]byte, 16)
	if _, err := io.ReadFull(gr, header); err != nil {
		return nil, 0, err
	}
	if magic := binary.BigEndian.Uint32(header[0:4]); magic != 2051 {
		return nil, 0, fmt.Errorf("%s は IDX の画像ファイルではありません (magic = %d)", filename, magic)
	}

	count := binary.BigEndian.Uint32(header[4:8])
	rows := binary.BigEndian.Uint32(header[8:12])
	cols := binary.BigEndian.Uint32(header[12:16])
	imageSize := int(rows * cols)

	log.Printf("File: %s, Count: %d, Size: %dx%d", filename, count, rows, cols)

	images := make([]uint8, int(count)*imageSize)
	if _, err := io.ReadFull(gr, images); err != nil {
		return nil, 0, err
	}
	return images, imageSize, nil
}

func readLabels(filename string) ([]uint8, error) {
	f, gr, err := openGzip(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	defer gr.Close()

	header := make([]byte, 8)
	if _, err := io.ReadFull(gr, header); err != nil {
		return nil, err
	}
	if magic := binary.BigEndian.Uint32(header[0:4]); magic != 2049 {
		return nil, fmt.Errorf("%s は IDX のラベルファイルではありません (magic = %d)", filename, magic)
	}

	count := binary.BigEndian.Uint32(header[4:8])
	labels := make([]uint8, count)
	if _, err := io.ReadFull(gr, labels); err != nil {
		return nil, err
	}
	return labels, nil
}
