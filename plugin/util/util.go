package util

// CalcAvg is an exponential moving average giving the new sample a weight of 1/4.
func CalcAvg(oldVal uint64, newVal uint64) uint64 {
	return (oldVal - (oldVal >> 2)) + (newVal >> 2)
}

func SaturatingSub(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return 0
}
