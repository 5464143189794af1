package replay

import "errors"

var (
	ErrInvalidParam      = errors.New("the param is invalid")
	ErrTimeout           = errors.New("timeout")
	ErrShutdown          = errors.New("pipeline is shutting down")
	ErrNotFound          = errors.New("not found")
	ErrHalted            = errors.New("replayer is halted and refuses further mutation")
	ErrSequenceGap       = errors.New("sequence gap detected")
	ErrNegativeVolume    = errors.New("price level volume would go negative")
	ErrDuplicateOrder    = errors.New("order id already exists in the book")
	ErrChecksumMismatch  = errors.New("checkpoint checksum mismatch")
	ErrNoCheckpoint      = errors.New("no checkpoint available")
	ErrResumeUnavailable = errors.New("feed cannot resume from the requested sequence")
	ErrRecoveryExhausted = errors.New("recovery retries exhausted")
)
