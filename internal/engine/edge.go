// Package engine adapts external TTS engines to the synthesis contract. The
// edge implementation speaks the Microsoft Edge read-aloud protocol: SSML in
// over a websocket, binary audio frames back until turn.end.
package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/edgespeak/edgespeak/internal/config"
	"github.com/edgespeak/edgespeak/internal/synthesis"
	"github.com/edgespeak/edgespeak/internal/voice"
)

const (
	userAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.2478.51"
	wsOrigin    = "chrome-extension://jdiccldimpdaibmpdkjnbmckianbfold"
	timeFormat  = "Mon Jan 02 2006 15:04:05 GMT+0000 (Coordinated Universal Time)"
	audioMarker = "Path:audio"
)

var outputFormats = map[string]string{
	synthesis.FormatMP3:  "audio-24khz-48kbitrate-mono-mp3",
	synthesis.FormatWebM: "webm-24khz-16bit-mono-opus",
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	"'", "&apos;",
	`"`, "&quot;",
)

// Edge talks to the Microsoft Edge neural TTS service.
type Edge struct {
	endpoint       string
	voicesEndpoint string
	token          string
	synthTimeout   time.Duration
	dialer         *websocket.Dialer
	httpClient     *http.Client
	log            *slog.Logger
}

func NewEdge(cfg config.EngineConfig, log *slog.Logger) *Edge {
	connectTimeout := time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond
	return &Edge{
		endpoint:       cfg.Endpoint,
		voicesEndpoint: cfg.VoicesEndpoint,
		token:          cfg.TrustedToken,
		synthTimeout:   time.Duration(cfg.SynthesisTimeoutMS) * time.Millisecond,
		dialer: &websocket.Dialer{
			HandshakeTimeout: connectTimeout,
		},
		httpClient: &http.Client{Timeout: connectTimeout + 10*time.Second},
		log:        log.With(slog.String("component", "edge-engine")),
	}
}

// Synthesize converts one chunk of text into encoded audio. Errors are
// classified into the synthesis taxonomy; the raw engine error stays wrapped
// underneath for logs only.
func (e *Edge) Synthesize(ctx context.Context, req synthesis.Request) ([]byte, error) {
	format, ok := outputFormats[req.Format]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported format %q", synthesis.ErrInvalidInput, req.Format)
	}

	ctx, cancel := context.WithTimeout(ctx, e.synthTimeout)
	defer cancel()

	connectID := strings.ReplaceAll(uuid.NewString(), "-", "")
	url := fmt.Sprintf("%s?TrustedClientToken=%s&ConnectionId=%s", e.endpoint, e.token, connectID)

	header := http.Header{}
	header.Set("User-Agent", userAgent)
	header.Set("Origin", wsOrigin)
	header.Set("Pragma", "no-cache")
	header.Set("Cache-Control", "no-cache")

	conn, _, err := e.dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, classifyTransport(ctx, fmt.Errorf("dial engine: %w", err))
	}
	defer conn.Close()

	// The websocket read loop does not watch ctx itself; closing the
	// connection unblocks it on cancellation.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	if err := conn.WriteMessage(websocket.TextMessage, speechConfig(format)); err != nil {
		return nil, classifyTransport(ctx, fmt.Errorf("send speech.config: %w", err))
	}
	if err := conn.WriteMessage(websocket.TextMessage, ssmlMessage(connectID, req)); err != nil {
		return nil, classifyTransport(ctx, fmt.Errorf("send ssml: %w", err))
	}

	var audio bytes.Buffer
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return nil, classifyTransport(ctx, fmt.Errorf("read engine frame: %w", err))
		}
		switch msgType {
		case websocket.TextMessage:
			if strings.Contains(string(data), "Path:turn.end") {
				if audio.Len() == 0 {
					return nil, fmt.Errorf("%w: turn ended without audio", synthesis.ErrEngineUnavailable)
				}
				return audio.Bytes(), nil
			}
		case websocket.BinaryMessage:
			if len(data) < 2 {
				return nil, fmt.Errorf("%w: truncated binary frame", synthesis.ErrEngineUnavailable)
			}
			headerLen := int(binary.BigEndian.Uint16(data[:2]))
			if len(data) < 2+headerLen {
				return nil, fmt.Errorf("%w: binary frame shorter than header", synthesis.ErrEngineUnavailable)
			}
			if strings.Contains(string(data[2:2+headerLen]), audioMarker) {
				audio.Write(data[2+headerLen:])
			}
		}
	}
}

func speechConfig(outputFormat string) []byte {
	payload := fmt.Sprintf(
		`{"context":{"synthesis":{"audio":{"metadataoptions":{"sentenceBoundaryEnabled":"false","wordBoundaryEnabled":"false"},"outputFormat":"%s"}}}}`,
		outputFormat)
	return []byte(fmt.Sprintf(
		"X-Timestamp:%s\r\nContent-Type:application/json; charset=utf-8\r\nPath:speech.config\r\n\r\n%s",
		time.Now().UTC().Format(timeFormat), payload))
}

func ssmlMessage(requestID string, req synthesis.Request) []byte {
	ssml := fmt.Sprintf(
		"<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' xml:lang='%s'>"+
			"<voice name='%s'><prosody pitch='%s' rate='%s' volume='%s'>%s</prosody></voice></speak>",
		localeOf(req.Voice), req.Voice,
		req.ProsodyPitch(), req.ProsodyRate(), req.ProsodyVolume(),
		xmlEscaper.Replace(req.Text))
	return []byte(fmt.Sprintf(
		"X-RequestId:%s\r\nContent-Type:application/ssml+xml\r\nX-Timestamp:%sZ\r\nPath:ssml\r\n\r\n%s",
		requestID, time.Now().UTC().Format(timeFormat), ssml))
}

// localeOf derives "hu-HU" from "hu-HU-NoemiNeural".
func localeOf(voiceID string) string {
	parts := strings.SplitN(voiceID, "-", 3)
	if len(parts) >= 2 {
		return parts[0] + "-" + parts[1]
	}
	return "en-US"
}

// classifyTransport maps raw websocket/network failures onto the synthesis
// taxonomy. Close codes the service uses for bad SSML or unknown voices count
// as rejections; everything else transient.
func classifyTransport(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", synthesis.ErrEngineTimeout, err)
	}
	if ctx.Err() == context.Canceled {
		return context.Canceled
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseUnsupportedData,
			websocket.CloseInvalidFramePayloadData,
			websocket.ClosePolicyViolation:
			return fmt.Errorf("%w: %v", synthesis.ErrEngineRejected, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", synthesis.ErrEngineTimeout, err)
	}

	return fmt.Errorf("%w: %v", synthesis.ErrEngineUnavailable, err)
}

type edgeVoice struct {
	Name         string `json:"Name"`
	ShortName    string `json:"ShortName"`
	Gender       string `json:"Gender"`
	Locale       string `json:"Locale"`
	FriendlyName string `json:"FriendlyName"`
	Status       string `json:"Status"`
}

// ListVoices fetches the engine's voice inventory.
func (e *Edge) ListVoices(ctx context.Context) ([]voice.Descriptor, error) {
	url := fmt.Sprintf("%s?trustedclienttoken=%s", e.voicesEndpoint, e.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build voices request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch voices: %v", synthesis.ErrEngineUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: voices endpoint returned %s", synthesis.ErrEngineUnavailable, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read voices body: %v", synthesis.ErrEngineUnavailable, err)
	}

	var raw []edgeVoice
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse voices body: %w", err)
	}

	voices := make([]voice.Descriptor, 0, len(raw))
	for _, v := range raw {
		voices = append(voices, voice.Descriptor{
			ID:          v.ShortName,
			Name:        v.ShortName,
			DisplayName: friendlyName(v),
			Locale:      v.Locale,
			Gender:      v.Gender,
			Language:    languageOf(v.Locale),
			Neural:      strings.Contains(v.Name, "Neural"),
		})
	}
	e.log.Debug("fetched voice inventory", slog.Int("voices", len(voices)))
	return voices, nil
}

func friendlyName(v edgeVoice) string {
	if v.FriendlyName != "" {
		return v.FriendlyName
	}
	return v.ShortName
}

func languageOf(locale string) string {
	if i := strings.IndexByte(locale, '-'); i > 0 {
		return locale[:i]
	}
	return locale
}
