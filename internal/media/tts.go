package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPSynthesizer calls an external text-to-speech service over a plain
// JSON POST and returns the audio body as-is; normalization happens in
// the resolver.
type HTTPSynthesizer struct {
	url    string
	client *http.Client
}

func NewHTTPSynthesizer(url string) *HTTPSynthesizer {
	return &HTTPSynthesizer{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type ttsRequest struct {
	Text     string `json:"text"`
	Voice    string `json:"voice,omitempty"`
	Language string `json:"language,omitempty"`
}

func (s *HTTPSynthesizer) Synthesize(ctx context.Context, text, voice, language string) ([]byte, error) {
	body, err := json.Marshal(ttsRequest{Text: text, Voice: voice, Language: language})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media: tts request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media: tts service returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
