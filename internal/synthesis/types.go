package synthesis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Audio output formats accepted from clients.
const (
	FormatMP3  = "mp3"
	FormatWebM = "webm"
)

// Request describes one synthesis. It is immutable once accepted by the
// server; the pipeline derives per-chunk copies with the chunk text swapped in.
type Request struct {
	Text   string
	Voice  string
	Rate   int // percent offset, e.g. +10 -> "+10%"
	Pitch  int // Hz offset, e.g. -20 -> "-20Hz"
	Volume int // percent offset
	Format string
}

// Validate checks text presence, modifier bounds and the output format.
// Voice existence is checked against the catalog by the caller.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return fmt.Errorf("%w: text must not be empty", ErrInvalidInput)
	}
	if r.Voice == "" {
		return fmt.Errorf("%w: voice must not be empty", ErrInvalidInput)
	}
	if r.Rate < -100 || r.Rate > 100 {
		return fmt.Errorf("%w: rate must be between -100 and 100", ErrInvalidInput)
	}
	if r.Pitch < -100 || r.Pitch > 100 {
		return fmt.Errorf("%w: pitch must be between -100 and 100", ErrInvalidInput)
	}
	if r.Volume < -100 || r.Volume > 100 {
		return fmt.Errorf("%w: volume must be between -100 and 100", ErrInvalidInput)
	}
	switch r.Format {
	case FormatMP3, FormatWebM:
	default:
		return fmt.Errorf("%w: format must be one of mp3|webm", ErrInvalidInput)
	}
	return nil
}

// ProsodyRate renders the rate modifier in engine syntax ("+10%").
func (r Request) ProsodyRate() string { return fmt.Sprintf("%+d%%", r.Rate) }

// ProsodyPitch renders the pitch modifier in engine syntax ("-20Hz").
func (r Request) ProsodyPitch() string { return fmt.Sprintf("%+dHz", r.Pitch) }

// ProsodyVolume renders the volume modifier in engine syntax ("+0%").
func (r Request) ProsodyVolume() string { return fmt.Sprintf("%+d%%", r.Volume) }

// Key returns the cache key: a digest over everything that influences the
// produced audio.
func (r Request) Key() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%d\x00%d\x00%s", r.Text, r.Voice, r.Rate, r.Pitch, r.Volume, r.Format)
	return hex.EncodeToString(h.Sum(nil))
}

// WithText returns a copy of the request carrying chunk text.
func (r Request) WithText(text string) Request {
	r.Text = text
	return r
}

// ContentType maps an output format to its media type.
func ContentType(format string) string {
	switch format {
	case FormatWebM:
		return "audio/webm"
	default:
		return "audio/mpeg"
	}
}

// Fragment is the audio produced for one chunk ordinal.
type Fragment struct {
	Index int
	Audio []byte
}

// Engine is the external synthesis collaborator. Implementations convert one
// chunk of text into encoded audio bytes, classifying transport failures into
// the package error taxonomy.
type Engine interface {
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}
