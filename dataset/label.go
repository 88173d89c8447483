package dataset

import (
	"fmt"
)

// ValidateLabels はラベルの長さと、各行が one-hot である事を確認します。
func ValidateLabels(labels []uint8, layout Layout) error {
	want := layout.NumElements * layout.NumClasses
	if len(labels) != want {
		return fmt.Errorf("%w: ラベルの長さ %d != %d", ErrSizeMismatch, len(labels), want)
	}

	classes := layout.NumClasses
	for i := 0; i < layout.NumElements; i++ {
		ones := 0
		for _, e := range labels[i*classes : (i+1)*classes] {
			switch e {
			case 0:
			case 1:
				ones++
			default:
				return fmt.Errorf("%w: %d 行目に %d が含まれています。", ErrInvalidLabel, i, e)
			}
		}
		if ones != 1 {
			return fmt.Errorf("%w: %d 行目の 1 の数が %d です。", ErrInvalidLabel, i, ones)
		}
	}
	return nil
}

// LabelIndices は one-hot の行をクラスの番号にします。
func LabelIndices[T uint8 | float32](labels []T, classes int) []int {
	n := len(labels) / classes
	idxs := make([]int, n)
	for i := range idxs {
		row := labels[i*classes : (i+1)*classes]
		for j, e := range row {
			if e == 1 {
				idxs[i] = j
				break
			}
		}
	}
	return idxs
}

// OneHot はクラスの番号を one-hot の行の列にします。
func OneHot(classIdxs []uint8, classes int) ([]uint8, error) {
	labels := make([]uint8, len(classIdxs)*classes)
	for i, c := range classIdxs {
		if int(c) >= classes {
			return nil, fmt.Errorf("%w: %d 番目のクラス %d がクラス数 %d 以上です。", ErrInvalidLabel, i, c, classes)
		}
		labels[i*classes+int(c)] = 1
	}
	return labels, nil
}
