// Package stats has simple summary statistics over slices
package stats

type Number interface {
	~int | ~int32 | ~int64 | ~float32 | ~float64
}

// Mean returns the mean of samples, or zero if there are none
func Mean[T Number](samples []T) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range samples {
		sum += float64(v)
	}
	return sum / float64(len(samples))
}

// MeanVar returns the mean and (population) variance of samples
func MeanVar[T Number](samples []T) (float64, float64) {
	mean := Mean(samples)
	if len(samples) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range samples {
		diff := float64(v) - mean
		sum += diff * diff
	}
	return mean, sum / float64(len(samples))
}
