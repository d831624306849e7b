package nn

import "fmt"

type InferenceErrorKind int

const (
	ModelNotLoaded InferenceErrorKind = iota // No model has been loaded, or the last load failed
	ShapeMismatch                            // Input or output tensor does not have the size the model expects
	BackendFailure                           // The inference library failed
)

func (k InferenceErrorKind) String() string {
	switch k {
	case ModelNotLoaded:
		return "model not loaded"
	case ShapeMismatch:
		return "shape mismatch"
	case BackendFailure:
		return "backend failure"
	}
	return fmt.Sprintf("InferenceErrorKind(%d)", int(k))
}

// InferenceError is returned by everything that runs a model.
// Use errors.Is(err, nn.ErrShapeMismatch) etc to test the kind.
type InferenceError struct {
	Kind InferenceErrorKind
	Err  error
}

var (
	ErrModelNotLoaded = &InferenceError{Kind: ModelNotLoaded}
	ErrShapeMismatch  = &InferenceError{Kind: ShapeMismatch}
	ErrBackendFailure = &InferenceError{Kind: BackendFailure}
)

func NewInferenceError(kind InferenceErrorKind, format string, args ...any) *InferenceError {
	return &InferenceError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *InferenceError) Error() string {
	if e.Err == nil {
		return "Inference failed: " + e.Kind.String()
	}
	return fmt.Sprintf("Inference failed (%v): %v", e.Kind, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

func (e *InferenceError) Is(target error) bool {
	t, ok := target.(*InferenceError)
	return ok && t.Kind == e.Kind
}
