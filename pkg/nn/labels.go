package nn

import "strconv"

// ObjectDetection is an object that a neural network has found in an image
type ObjectDetection struct {
	Class      int     `json:"class"`
	Confidence float32 `json:"confidence"`
	Box        Rect    `json:"box"`
}

// Label returns "prefix:className", or "prefix:classIndex" if the class has no name.
func Label(prefix string, class int, classes []string) string {
	name := ""
	if class >= 0 && class < len(classes) {
		name = classes[class]
	} else {
		name = strconv.Itoa(class)
	}
	if prefix == "" {
		return name
	}
	return prefix + ":" + name
}
