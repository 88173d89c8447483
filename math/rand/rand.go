package rand

import (
	"github.com/seehuhn/mt19937"
	"math/rand"
)

// NewMt19937 は seed で初期化したメルセンヌ・ツイスタを乱数源とする *rand.Rand を返します。
// 同じ seed からは常に同じ系列が得られます。
func NewMt19937(seed int64) *rand.Rand {
	src := mt19937.New()
	src.Seed(seed)
	return rand.New(src)
}
