package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/codebuildervaibhav/narration-stream/internal/types"
)

// Response headers the speech service may set alongside the audio body
const (
	headerAudioURL      = "X-Audio-Url"
	headerAudioDuration = "X-Audio-Duration-Ms"
)

// HTTPBackend calls a speech endpoint that answers a JSON request with audio bytes
type HTTPBackend struct {
	endpoint string
	apiKey   string
	format   string
	client   *http.Client
}

// NewHTTPBackend creates a backend for endpoint
func NewHTTPBackend(endpoint, apiKey, format string, timeout time.Duration) *HTTPBackend {
	if format == "" {
		format = "mp3"
	}
	return &HTTPBackend{
		endpoint: endpoint,
		apiKey:   apiKey,
		format:   format,
		client:   &http.Client{Timeout: timeout},
	}
}

type speechRequest struct {
	Text   string  `json:"text"`
	Voice  string  `json:"voice"`
	Speed  float64 `json:"speed"`
	Format string  `json:"format"`
}

// FetchAudio posts one segment and reads the audio body.
// 5xx and 429 responses are transient, other 4xx are permanent.
func (b *HTTPBackend) FetchAudio(ctx context.Context, text, voice string, speed float64) (*FetchResult, error) {
	body, err := json.Marshal(speechRequest{
		Text:   text,
		Voice:  voice,
		Speed:  types.QuantizeSpeed(speed),
		Format: b.format,
	})
	if err != nil {
		return nil, types.NewError(types.KindPermanent, "marshal payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewError(types.KindPermanent, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.NewError(types.KindTransient, "speech request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("bad status %s: %s", resp.Status, bytes.TrimSpace(msg))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, types.NewError(types.KindTransient, "speech request", err)
		}
		return nil, types.NewError(types.KindPermanent, "speech request", err)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewError(types.KindTransient, "read audio", err)
	}
	if len(data) == 0 {
		return nil, types.NewError(types.KindTransient, "read audio", fmt.Errorf("empty audio body"))
	}

	result := &FetchResult{
		Data:      data,
		RemoteRef: resp.Header.Get(headerAudioURL),
		Format:    b.format,
	}
	if ms, err := strconv.ParseInt(resp.Header.Get(headerAudioDuration), 10, 64); err == nil && ms > 0 {
		result.Duration = time.Duration(ms) * time.Millisecond
	}

	return result, nil
}

// Exists checks an http(s) remote ref with a HEAD request
func (b *HTTPBackend) Exists(ctx context.Context, ref string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, ref, nil)
	if err != nil {
		return false, err
	}
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return false, nil
	}
	return false, fmt.Errorf("unexpected status %s", resp.Status)
}
