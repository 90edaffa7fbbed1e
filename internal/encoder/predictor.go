package encoder

import (
	"math/bits"

	"github.com/mewkiz/flac/frame"
)

const (
	maxFixedOrder = 4
	// 5-bit Rice parameters; 31 is the escape code
	maxRiceParam = 30
	// residual coding method (2) + partition order (4) + one 5-bit parameter
	riceOverheadBits = 2 + 4 + 5
)

// analyse picks the cheapest subframe representation for samples among the
// constant, verbatim and fixed-predictor (orders 0-4) encodings.
func analyse(samples []int32, bps uint) *frame.Subframe {
	sub := &frame.Subframe{
		Samples:  samples,
		NSamples: len(samples),
	}

	if isConstant(samples) {
		sub.SubHeader = frame.SubHeader{Pred: frame.PredConstant}
		return sub
	}

	bestCost := uint64(len(samples)) * uint64(bps)
	bestOrder := -1
	var bestParam uint

	residuals := make([]int64, 0, len(samples))
	for order := 0; order <= maxFixedOrder && order < len(samples); order++ {
		residuals = fixedResiduals(residuals[:0], samples, order)
		param, riceBits := riceCost(residuals)
		cost := uint64(order)*uint64(bps) + riceOverheadBits + riceBits
		if cost < bestCost {
			bestCost = cost
			bestOrder = order
			bestParam = param
		}
	}

	if bestOrder < 0 {
		sub.SubHeader = frame.SubHeader{Pred: frame.PredVerbatim}
		return sub
	}

	sub.SubHeader = frame.SubHeader{
		Pred:                 frame.PredFixed,
		Order:                bestOrder,
		ResidualCodingMethod: frame.ResidualCodingMethodRice2,
		RiceSubframe: &frame.RiceSubframe{
			PartOrder:  0,
			Partitions: []frame.RicePartition{{Param: bestParam}},
		},
	}
	return sub
}

func isConstant(samples []int32) bool {
	for _, s := range samples[1:] {
		if s != samples[0] {
			return false
		}
	}
	return true
}

// fixedResiduals computes the prediction error of the fixed polynomial
// predictor of the given order for every sample after the warm-up samples.
func fixedResiduals(dst []int64, s []int32, order int) []int64 {
	for i := order; i < len(s); i++ {
		var r int64
		switch order {
		case 0:
			r = int64(s[i])
		case 1:
			r = int64(s[i]) - int64(s[i-1])
		case 2:
			r = int64(s[i]) - 2*int64(s[i-1]) + int64(s[i-2])
		case 3:
			r = int64(s[i]) - 3*int64(s[i-1]) + 3*int64(s[i-2]) - int64(s[i-3])
		case 4:
			r = int64(s[i]) - 4*int64(s[i-1]) + 6*int64(s[i-2]) - 4*int64(s[i-3]) + int64(s[i-4])
		}
		dst = append(dst, r)
	}
	return dst
}

// riceCost returns the best Rice parameter for residuals and the number of
// bits the residuals occupy with it.
func riceCost(residuals []int64) (uint, uint64) {
	if len(residuals) == 0 {
		return 0, 0
	}

	var sum uint64
	for _, r := range residuals {
		sum += zigzag(r)
	}

	estimate := bits.Len64(sum / uint64(len(residuals)))
	bestParam := uint(0)
	bestBits := ^uint64(0)

	for p := estimate - 1; p <= estimate+1; p++ {
		if p < 0 || p > maxRiceParam {
			continue
		}
		param := uint(p)
		total := uint64(len(residuals)) * uint64(1+param)
		for _, r := range residuals {
			total += zigzag(r) >> param
		}
		if total < bestBits {
			bestBits = total
			bestParam = param
		}
	}

	return bestParam, bestBits
}

func zigzag(r int64) uint64 {
	return uint64((r << 1) ^ (r >> 63))
}
