package pipeline

import "errors"

var ErrSourceNotFound = errors.New("Source not found")
var ErrElementNotFound = errors.New("Element not found")
