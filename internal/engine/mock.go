package engine

import (
	"context"
	"fmt"

	"github.com/edgespeak/edgespeak/internal/synthesis"
	"github.com/edgespeak/edgespeak/internal/voice"
)

// Mock is a deterministic in-process engine for local development and tests.
// Output is a stable function of the request, so cache and assembly behavior
// can be verified byte for byte.
type Mock struct{}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) Synthesize(ctx context.Context, req synthesis.Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, ok := outputFormats[req.Format]; !ok {
		return nil, fmt.Errorf("%w: unsupported format %q", synthesis.ErrInvalidInput, req.Format)
	}
	return []byte(fmt.Sprintf("%s|%s|%s|%s|%s\n", req.Voice, req.ProsodyRate(), req.ProsodyPitch(), req.ProsodyVolume(), req.Text)), nil
}

func (m *Mock) ListVoices(ctx context.Context) ([]voice.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []voice.Descriptor{
		{ID: "hu-HU-NoemiNeural", Name: "hu-HU-NoemiNeural", DisplayName: "Noémi", Locale: "hu-HU", Gender: "Female", Language: "hu", Neural: true},
		{ID: "hu-HU-TamasNeural", Name: "hu-HU-TamasNeural", DisplayName: "Tamás", Locale: "hu-HU", Gender: "Male", Language: "hu", Neural: true},
		{ID: "en-US-JennyNeural", Name: "en-US-JennyNeural", DisplayName: "Jenny", Locale: "en-US", Gender: "Female", Language: "en", Neural: true},
		{ID: "en-US-GuyNeural", Name: "en-US-GuyNeural", DisplayName: "Guy", Locale: "en-US", Gender: "Male", Language: "en", Neural: true},
		{ID: "de-DE-KatjaNeural", Name: "de-DE-KatjaNeural", DisplayName: "Katja", Locale: "de-DE", Gender: "Female", Language: "de", Neural: true},
	}, nil
}
