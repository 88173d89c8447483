package dataset_test

import (
	"bytes"
	"context"
	"errors"
	"github.com/sw965/spritemnist/dataset"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
)

var smallLayout = dataset.Layout{
	ImageRows:   2,
	ImageCols:   2,
	NumClasses:  3,
	NumElements: 5,
	NumTrain:    3,
}

func smallPixels() []uint8 {
	pixels := make([]uint8, smallLayout.NumElements*smallLayout.ImageSize())
	for i := range pixels {
		pixels[i] = uint8(i * 10)
	}
	return pixels
}

func smallLabels(t *testing.T) []uint8 {
	t.Helper()
	classIdxs := make([]uint8, smallLayout.NumElements)
	for i := range classIdxs {
		classIdxs[i] = uint8(i % smallLayout.NumClasses)
	}
	labels, err := dataset.OneHot(classIdxs, smallLayout.NumClasses)
	if err != nil {
		t.Fatal(err)
	}
	return labels
}

func toFloat(pixels []uint8) []float32 {
	y := make([]float32, len(pixels))
	for i, e := range pixels {
		y[i] = float32(e) / 255.0
	}
	return y
}

// mapFetcher は URL 毎に決まったバイト列を返します。
type mapFetcher struct {
	mu    sync.Mutex
	data  map[string][]byte
	calls int
}

func (f *mapFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	data, ok := f.data[url]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func newSmallData(t *testing.T, chunkRows int) *dataset.MnistData {
	t.Helper()
	sprite, err := dataset.EncodeSpritePNG(smallPixels(), smallLayout.ImageSize())
	if err != nil {
		t.Fatal(err)
	}
	fetcher := &mapFetcher{data: map[string][]byte{
		"images": sprite,
		"labels": smallLabels(t),
	}}
	d := dataset.NewMnistData(fetcher)
	d.Layout = smallLayout
	d.ImagesURL = "images"
	d.LabelsURL = "labels"
	d.ChunkRows = chunkRows
	if err := d.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestDecodeSpriteTwoImages(t *testing.T) {
	layout := dataset.Layout{ImageRows: 2, ImageCols: 2, NumClasses: 2, NumElements: 2, NumTrain: 1}
	pixels := []uint8{0, 85, 170, 255, 255, 170, 85, 0}
	expected := toFloat(pixels)

	// 1 画像 1 行 (4x2)
	wide, err := dataset.EncodeSprite(pixels, layout.ImageSize())
	if err != nil {
		t.Fatal(err)
	}
	// 2x2 の画像を縦に積んだもの (2x4)
	tall := image.NewGray(image.Rect(0, 0, 2, 4))
	copy(tall.Pix, pixels)

	for _, img := range []image.Image{wide, tall} {
		for _, chunkRows := range []int{1, 2, 3, 0} {
			got, err := dataset.DecodeSprite(img, layout, chunkRows)
			if err != nil {
				t.Fatal(err)
			}
			if !slices.Equal(got, expected) {
				t.Errorf("テスト失敗: bounds = %v, chunkRows = %d, got = %v", img.Bounds(), chunkRows, got)
			}
		}
	}

	if expected[1] < 0.333 || expected[1] > 0.334 || expected[3] != 1.0 {
		t.Errorf("テスト失敗: %v", expected)
	}
}

func TestDecodeSpriteSizeMismatch(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 3, 3))
	_, err := dataset.DecodeSprite(img, smallLayout, 1)
	if !errors.Is(err, dataset.ErrSizeMismatch) {
		t.Errorf("テスト失敗: err = %v", err)
	}

	_, err = dataset.DecodeSpritePNG([]byte("not a png"), smallLayout, 1)
	if err == nil {
		t.Errorf("テスト失敗: 不正な PNG でエラーが返りません。")
	}
}

func TestValidateLabels(t *testing.T) {
	labels := smallLabels(t)
	if err := dataset.ValidateLabels(labels, smallLayout); err != nil {
		t.Errorf("テスト失敗: %v", err)
	}

	if err := dataset.ValidateLabels(labels[:len(labels)-1], smallLayout); !errors.Is(err, dataset.ErrSizeMismatch) {
		t.Errorf("テスト失敗: err = %v", err)
	}

	twoHot := slices.Clone(labels)
	twoHot[1] = 1
	if err := dataset.ValidateLabels(twoHot, smallLayout); !errors.Is(err, dataset.ErrInvalidLabel) {
		t.Errorf("テスト失敗: err = %v", err)
	}

	notBinary := slices.Clone(labels)
	notBinary[0] = 2
	if err := dataset.ValidateLabels(notBinary, smallLayout); !errors.Is(err, dataset.ErrInvalidLabel) {
		t.Errorf("テスト失敗: err = %v", err)
	}
}

func TestLabelIndicesAndOneHot(t *testing.T) {
	labels, err := dataset.OneHot([]uint8{2, 0, 1}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(labels, []uint8{0, 0, 1, 1, 0, 0, 0, 1, 0}) {
		t.Errorf("テスト失敗: %v", labels)
	}
	if got := dataset.LabelIndices(labels, 3); !slices.Equal(got, []int{2, 0, 1}) {
		t.Errorf("テスト失敗: %v", got)
	}
	if got := dataset.LabelIndices([]float32{0, 1, 1, 0}, 2); !slices.Equal(got, []int{1, 0}) {
		t.Errorf("テスト失敗: %v", got)
	}
	if _, err := dataset.OneHot([]uint8{3}, 3); !errors.Is(err, dataset.ErrInvalidLabel) {
		t.Errorf("テスト失敗: err = %v", err)
	}
}

func TestMnistDataNotLoaded(t *testing.T) {
	d := dataset.NewMnistData(&mapFetcher{})
	if _, err := d.TrainData(); !errors.Is(err, dataset.ErrNotLoaded) {
		t.Errorf("テスト失敗: err = %v", err)
	}
	if _, err := d.TestData(); !errors.Is(err, dataset.ErrNotLoaded) {
		t.Errorf("テスト失敗: err = %v", err)
	}
	if _, err := d.TestDataN(1); !errors.Is(err, dataset.ErrNotLoaded) {
		t.Errorf("テスト失敗: err = %v", err)
	}
}

func TestMnistDataSplit(t *testing.T) {
	d := newSmallData(t, 2)
	pixels := toFloat(smallPixels())
	labels := smallLabels(t)
	imgSplit := smallLayout.NumTrain * smallLayout.ImageSize()
	labelSplit := smallLayout.NumTrain * smallLayout.NumClasses

	train, err := d.TrainData()
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(train.Xs.Shape(), []int{3, 2, 2, 1}) || !slices.Equal(train.Labels.Shape(), []int{3, 3}) {
		t.Errorf("テスト失敗: %v %v", train.Xs.Shape(), train.Labels.Shape())
	}
	if !slices.Equal(train.XsData(), pixels[:imgSplit]) {
		t.Errorf("テスト失敗: 訓練用画像 %v", train.XsData())
	}

	test, err := d.TestData()
	if err != nil {
		t.Fatal(err)
	}
	if test.N() != 2 {
		t.Errorf("テスト失敗: test.N() = %d", test.N())
	}
	if !slices.Equal(test.XsData(), pixels[imgSplit:]) {
		t.Errorf("テスト失敗: テスト用画像 %v", test.XsData())
	}
	for i, e := range train.LabelsData() {
		if e != float32(labels[i]) {
			t.Errorf("テスト失敗: 訓練用ラベル %v", train.LabelsData())
			break
		}
	}
	for i, e := range test.LabelsData() {
		if e != float32(labels[labelSplit+i]) {
			t.Errorf("テスト失敗: テスト用ラベル %v", test.LabelsData())
			break
		}
	}

	for _, b := range []dataset.Batch{train, test} {
		classes := smallLayout.NumClasses
		data := b.LabelsData()
		for i := 0; i < b.N(); i++ {
			var sum float32
			for _, e := range data[i*classes : (i+1)*classes] {
				if e != 0 && e != 1 {
					t.Errorf("テスト失敗: %d 行目に %f が含まれています。", i, e)
				}
				sum += e
			}
			if sum != 1 {
				t.Errorf("テスト失敗: %d 行目の和が %f です。", i, sum)
			}
		}
	}
	if got := train.ClassIndices(); !slices.Equal(got, []int{0, 1, 2}) {
		t.Errorf("テスト失敗: 訓練用のクラス %v", got)
	}
	if got := test.ClassIndices(); !slices.Equal(got, []int{0, 1}) {
		t.Errorf("テスト失敗: テスト用のクラス %v", got)
	}

	for _, e := range append(train.XsData(), test.XsData()...) {
		if e < 0 || e > 1 {
			t.Errorf("テスト失敗: 画素 %f が [0, 1] の範囲外です。", e)
		}
	}
}

func TestMnistDataTestDataN(t *testing.T) {
	d := newSmallData(t, 1)
	all, err := d.TestData()
	if err != nil {
		t.Fatal(err)
	}

	for n := 0; n <= smallLayout.NumTest(); n++ {
		b, err := d.TestDataN(n)
		if err != nil {
			t.Fatal(err)
		}
		if b.N() != n {
			t.Errorf("テスト失敗: n = %d, N() = %d", n, b.N())
		}
		if !slices.Equal(b.XsData(), all.XsData()[:n*smallLayout.ImageSize()]) {
			t.Errorf("テスト失敗: n = %d の画像が先頭と一致しません。", n)
		}
		if !slices.Equal(b.LabelsData(), all.LabelsData()[:n*smallLayout.NumClasses]) {
			t.Errorf("テスト失敗: n = %d のラベルが先頭と一致しません。", n)
		}
		if got := b.ClassIndices(); len(got) != n {
			t.Errorf("テスト失敗: n = %d, ClassIndices = %v", n, got)
		}
	}

	empty, err := d.TestDataN(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(empty.XsData()) != 0 || len(empty.LabelsData()) != 0 {
		t.Errorf("テスト失敗: n = 0 でデータが空ではありません。")
	}

	for _, n := range []int{-1, smallLayout.NumTest() + 1} {
		if _, err := d.TestDataN(n); !errors.Is(err, dataset.ErrOutOfRange) {
			t.Errorf("テスト失敗: n = %d, err = %v", n, err)
		}
	}
}

func TestMnistDataChunkIndependent(t *testing.T) {
	a, err := newSmallData(t, 1).TrainData()
	if err != nil {
		t.Fatal(err)
	}
	b, err := newSmallData(t, 0).TrainData()
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(a.XsData(), b.XsData()) {
		t.Errorf("テスト失敗: チャンクの大きさで結果が変わりました。")
	}
}

func TestMnistDataQueriesAreCopies(t *testing.T) {
	d := newSmallData(t, 2)
	b, err := d.TestData()
	if err != nil {
		t.Fatal(err)
	}
	b.XsData()[0] = 42

	again, err := d.TestData()
	if err != nil {
		t.Fatal(err)
	}
	if again.XsData()[0] == 42 {
		t.Errorf("テスト失敗: 返したテンソルへの書き込みが保持しているデータに反映されました。")
	}
}

func TestMnistDataLoadOverHTTP(t *testing.T) {
	sprite, err := dataset.EncodeSpritePNG(smallPixels(), smallLayout.ImageSize())
	if err != nil {
		t.Fatal(err)
	}
	labels := smallLabels(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/mnist_images.png", func(w http.ResponseWriter, r *http.Request) {
		w.Write(sprite)
	})
	mux.HandleFunc("/mnist_labels_uint8", func(w http.ResponseWriter, r *http.Request) {
		w.Write(labels)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := dataset.NewMnistData(dataset.HTTPFetcher{Client: srv.Client()})
	d.Layout = smallLayout
	d.ImagesURL = srv.URL + "/mnist_images.png"
	d.LabelsURL = srv.URL + "/mnist_labels_uint8"
	if err := d.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !d.Loaded() {
		t.Errorf("テスト失敗: 読み込み済みになっていません。")
	}

	failed := dataset.NewMnistData(dataset.HTTPFetcher{Client: srv.Client()})
	failed.Layout = smallLayout
	failed.ImagesURL = d.ImagesURL
	failed.LabelsURL = srv.URL + "/missing"
	if err := failed.Load(context.Background()); err == nil {
		t.Errorf("テスト失敗: 404 でエラーが返りません。")
	}
	if failed.Loaded() {
		t.Errorf("テスト失敗: 失敗した読み込みの後で読み込み済みになっています。")
	}
	if _, err := failed.TrainData(); !errors.Is(err, dataset.ErrNotLoaded) {
		t.Errorf("テスト失敗: err = %v", err)
	}
}

func TestMnistDataLoadJoinsBothFetches(t *testing.T) {
	fetcher := &mapFetcher{data: map[string][]byte{"labels": smallLabels(t)}}
	d := dataset.NewMnistData(fetcher)
	d.Layout = smallLayout
	d.ImagesURL = "images"
	d.LabelsURL = "labels"
	if err := d.Load(context.Background()); err == nil {
		t.Fatal("テスト失敗: 画像の取得失敗でエラーが返りません。")
	}
	if fetcher.calls != 2 {
		t.Errorf("テスト失敗: 取得の回数 = %d", fetcher.calls)
	}
}

func TestMnistDataLoadRejectsBadLabels(t *testing.T) {
	sprite, err := dataset.EncodeSpritePNG(smallPixels(), smallLayout.ImageSize())
	if err != nil {
		t.Fatal(err)
	}
	labels := smallLabels(t)
	labels[0] = 1
	labels[1] = 1

	d := dataset.NewMnistData(&mapFetcher{data: map[string][]byte{"images": sprite, "labels": labels}})
	d.Layout = smallLayout
	d.ImagesURL = "images"
	d.LabelsURL = "labels"
	if err := d.Load(context.Background()); !errors.Is(err, dataset.ErrInvalidLabel) {
		t.Errorf("テスト失敗: err = %v", err)
	}
}

// countingFetcher は取得の回数を数えます。
type countingFetcher struct {
	calls int
}

func (f *countingFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	f.calls++
	return []byte(url), nil
}

func TestCacheFetcher(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	next := &countingFetcher{}
	f := dataset.CacheFetcher{Dir: dir, Next: next}
	url := "https://example.com/data/mnist_labels_uint8"

	for i := 0; i < 2; i++ {
		data, err := f.Fetch(context.Background(), url)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != url {
			t.Errorf("テスト失敗: %s", data)
		}
	}
	if next.calls != 1 {
		t.Errorf("テスト失敗: Next の呼び出し回数 = %d", next.calls)
	}

	saved, err := os.ReadFile(filepath.Join(dir, "mnist_labels_uint8"))
	if err != nil {
		t.Fatal(err)
	}
	if string(saved) != url {
		t.Errorf("テスト失敗: 保存された内容 %s", saved)
	}

	if _, err := f.Fetch(context.Background(), "https://example.com/"); err == nil {
		t.Errorf("テスト失敗: ファイル名の無い URL でエラーが返りません。")
	}
}

func TestImageAtAndEncodeImagePNG(t *testing.T) {
	d := newSmallData(t, 2)
	test, err := d.TestData()
	if err != nil {
		t.Fatal(err)
	}
	pixels, err := test.ImageAt(1)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := dataset.EncodeImagePNG(&buf, pixels, smallLayout.ImageRows, smallLayout.ImageCols, 1); err != nil {
		t.Fatal(err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	gray, ok := img.(*image.Gray)
	if !ok {
		t.Fatalf("テスト失敗: %T", img)
	}

	size := smallLayout.ImageSize()
	start := (smallLayout.NumTrain + 1) * size
	expected := smallPixels()[start : start+size]
	if !slices.Equal(gray.Pix, expected) {
		t.Errorf("テスト失敗: got = %v, want = %v", gray.Pix, expected)
	}

	if _, err := test.ImageAt(test.N()); !errors.Is(err, dataset.ErrOutOfRange) {
		t.Errorf("テスト失敗: err = %v", err)
	}
	if _, err := dataset.ToGray(pixels, 3, 3); !errors.Is(err, dataset.ErrSizeMismatch) {
		t.Errorf("テスト失敗: err = %v", err)
	}
}

func TestScaleGray(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	copy(img.Pix, []uint8{0, 85, 170, 255})

	scaled := dataset.ScaleGray(img, 3)
	if scaled.Bounds() != image.Rect(0, 0, 6, 6) {
		t.Fatalf("テスト失敗: %v", scaled.Bounds())
	}
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			want := img.GrayAt(x/3, y/3).Y
			if got := scaled.GrayAt(x, y).Y; got != want {
				t.Errorf("テスト失敗: (%d, %d) = %d, want = %d", x, y, got, want)
			}
		}
	}

	if dataset.ScaleGray(img, 1) != img {
		t.Errorf("テスト失敗: scale = 1 で新しい画像が作られました。")
	}
}
