package nn

// A YOLO (v5 style) model with a square input of size P emits candidates from three
// detection heads, at strides 8, 16 and 32, with three anchors each.
// Every candidate is [cx, cy, w, h, objectness, classProb_0 ... classProb_N-1],
// with box coordinates in model pixels.

// Candidate is a decoded but unfiltered detection, in model coordinates
type Candidate struct {
	X          float32 // Left edge
	Y          float32 // Top edge
	Width      float32
	Height     float32
	Objectness float32
	Class      int     // argmax of class scores
	Confidence float32 // classProb[Class] * Objectness
}

// Number of candidates produced by a model with input size P x P
func NumCandidates(modelSize int) int {
	p2 := modelSize * modelSize
	return p2/64*3 + p2/256*3 + p2/1024*3
}

// Infer the number of classes from the size of a raw output tensor.
// Returns -1 if the size does not fit the model.
func InferClassCount(rawLen, modelSize int) int {
	n := NumCandidates(modelSize)
	if n == 0 || rawLen%n != 0 || rawLen/n < 6 {
		return -1
	}
	return rawLen/n - 5
}

// DecodeYOLO turns a raw output tensor into candidates.
// If nClasses is zero or less, the class count is inferred from the tensor size.
// Candidates below the objectness threshold are discarded here.
func DecodeYOLO(raw []float32, modelSize, nClasses int, params *DetectionParams) ([]Candidate, error) {
	if nClasses <= 0 {
		nClasses = InferClassCount(len(raw), modelSize)
		if nClasses < 0 {
			return nil, NewInferenceError(ShapeMismatch, "Output tensor of %v floats does not match a %vx%v model", len(raw), modelSize, modelSize)
		}
	}
	stride := nClasses + 5
	n := NumCandidates(modelSize)
	if len(raw) != n*stride {
		return nil, NewInferenceError(ShapeMismatch, "Output tensor has %v floats, but expected %v (%v candidates, %v classes)", len(raw), n*stride, n, nClasses)
	}

	threshold := params.objectness()
	out := []Candidate{}
	for i := 0; i < n; i++ {
		c := raw[i*stride : (i+1)*stride]
		obj := c[4]
		if obj < threshold {
			continue
		}
		best := 0
		bestScore := float32(-1)
		for k := 0; k < nClasses; k++ {
			score := c[5+k] * obj
			if score > bestScore {
				bestScore = score
				best = k
			}
		}
		out = append(out, Candidate{
			X:          c[0] - c[2]/2,
			Y:          c[1] - c[3]/2,
			Width:      c[2],
			Height:     c[3],
			Objectness: obj,
			Class:      best,
			Confidence: bestScore,
		})
	}
	return out, nil
}

// Postprocess scales candidates from model space (modelSize x modelSize) into a target image
// of targetWidth x targetHeight, clips them, and runs per-class non-maximum suppression.
func Postprocess(cands []Candidate, modelSize, targetWidth, targetHeight int, params *DetectionParams) []ObjectDetection {
	sx := float32(targetWidth) / float32(modelSize)
	sy := float32(targetHeight) / float32(modelSize)
	unclipped := params != nil && params.Unclipped

	objects := make([]ObjectDetection, 0, len(cands))
	for _, c := range cands {
		box := ScaleBox(c.X, c.Y, c.Width, c.Height, sx, sy)
		if !unclipped {
			box = box.Clip(targetWidth, targetHeight)
		}
		if box.IsEmpty() {
			continue
		}
		objects = append(objects, ObjectDetection{
			Class:      c.Class,
			Confidence: c.Confidence,
			Box:        box,
		})
	}

	retain := NonMaxSuppression(objects, params.nmsIoU())
	result := make([]ObjectDetection, 0, len(retain))
	for _, i := range retain {
		result = append(result, objects[i])
	}
	return result
}
