package backoff

import "errors"

var (
	errInitialNotPositive          = errors.New("backoff: initial value must be positive")
	errInitialNotLessThanThreshold = errors.New("backoff: initial value must be less than threshold")
)
