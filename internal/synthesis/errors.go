package synthesis

import "errors"

// Error taxonomy for the synthesis path. The server maps these onto HTTP
// status codes; everything engine-internal stays wrapped underneath so its
// text never reaches clients.
var (
	// ErrInvalidInput marks bad text, voice or modifiers. Never retried.
	ErrInvalidInput = errors.New("invalid synthesis input")

	// ErrEngineUnavailable marks connection or transport failures. Retried.
	ErrEngineUnavailable = errors.New("synthesis engine unavailable")

	// ErrEngineTimeout marks an engine call that exceeded its deadline. Retried.
	ErrEngineTimeout = errors.New("synthesis engine timeout")

	// ErrEngineRejected means the engine refused the voice or parameters.
	// Never retried; fails the whole request immediately.
	ErrEngineRejected = errors.New("synthesis engine rejected request")

	// ErrPartialFailure means at least one chunk failed terminally after
	// others had already produced audio.
	ErrPartialFailure = errors.New("synthesis failed after partial output")
)

// Retryable reports whether an engine error is transient.
func Retryable(err error) bool {
	return errors.Is(err, ErrEngineUnavailable) || errors.Is(err, ErrEngineTimeout)
}
