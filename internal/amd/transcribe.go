package amd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// HTTPTranscriber posts raw PCM to an external speech-to-text service
// and returns the transcript text.
type HTTPTranscriber struct {
	url    string
	client *http.Client
}

func NewHTTPTranscriber(url string) *HTTPTranscriber {
	return &HTTPTranscriber{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type transcribeResponse struct {
	Text string `json:"text"`
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(pcm))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "audio/l16")
	req.Header.Set("X-Sample-Rate", strconv.Itoa(sampleRate))

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("amd: transcribe request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("amd: transcribe service returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var out transcribeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("amd: transcribe response: %w", err)
	}
	return out.Text, nil
}
