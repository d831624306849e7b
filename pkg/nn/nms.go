package nn

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
)

// NonMaxSuppression keeps the most confident object out of every group of same-class
// objects that overlap by at least minIoU.
// Returns the indices of the objects that should be retained, in descending confidence order.
func NonMaxSuppression(input []ObjectDetection, minIoU float32) []int {
	if len(input) == 0 {
		return nil
	}

	// Create spatial index to avoid O(N^2) comparisons
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(input))
	for _, b := range input {
		fb.Add(int32(b.Box.X), int32(b.Box.Y), int32(b.Box.X2()), int32(b.Box.Y2()))
	}
	fb.Finish()

	order := make([]int, len(input))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return input[order[a]].Confidence > input[order[b]].Confidence
	})

	suppressed := make([]bool, len(input))
	retain := make([]int, 0, len(input))
	for _, i := range order {
		if suppressed[i] {
			continue
		}
		retain = append(retain, i)
		in := input[i]
		for _, j := range fb.Search(int32(in.Box.X), int32(in.Box.Y), int32(in.Box.X2()), int32(in.Box.Y2())) {
			if j == i || suppressed[j] {
				continue
			}
			if input[j].Class != in.Class {
				continue
			}
			if in.Box.IOU(input[j].Box) >= minIoU {
				suppressed[j] = true
			}
		}
	}
	return retain
}
