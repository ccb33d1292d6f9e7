package models

import "errors"

// Error taxonomy shared across subsystems. Callers match with errors.Is;
// wrapping sites add the identifying context (predictor, queue, article).
var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidTraffic       = errors.New("invalid traffic percentage")
	ErrUnknownPredictor     = errors.New("unknown predictor")
	ErrNoActivePredictor    = errors.New("no active predictor")
	ErrVersionRegression    = errors.New("predictor version regression")
	ErrLoadFailed           = errors.New("predictor load failed")
	ErrUnloadFailed         = errors.New("predictor unload failed")
	ErrInferenceFailed      = errors.New("inference failed")
	ErrBrokerUnavailable    = errors.New("broker unavailable")
	ErrQueueBindingConflict = errors.New("event type already bound to another queue")
	ErrTransactionFailed    = errors.New("store transaction failed")
	ErrMalformedEvent       = errors.New("malformed event")
)
