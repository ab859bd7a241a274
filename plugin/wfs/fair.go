package wfs

import (
	"fmt"
	"math"
	"math/bits"
)

const (
	ScaleShift = 20
	// ScaleFactor keeps precision when real time is divided by a weight.
	ScaleFactor uint64 = 1 << ScaleShift
)

// Scale converts a real time delta into virtual time for the given weight:
// delta * ScaleFactor / weight. The product is computed in 128 bits and the
// result saturates at math.MaxUint64. A zero weight is a programming error.
func Scale(delta uint64, weight uint32) uint64 {
	if weight == 0 {
		panic(fmt.Sprintf("wfs: scale of delta %d by zero weight", delta))
	}
	hi, lo := bits.Mul64(delta, ScaleFactor)
	w := uint64(weight)
	if hi >= w {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, w)
	return q
}

func invWeight(weight uint32) uint32 {
	return uint32(ScaleFactor / uint64(weight))
}
