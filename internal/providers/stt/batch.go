package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/lokutor-ai/edge-runtime/pkg/audio"
)

// BatchClient transcribes one complete utterance over HTTP — the fallback
// for providers without a streaming endpoint. The PCM is wrapped in a WAV
// container so the provider can detect the sample rate itself.
type BatchClient struct {
	apiKey     string
	url        string
	model      string
	sampleRate int
	httpClient *http.Client
}

// NewBatchClient builds a batch transcription client.
func NewBatchClient(apiKey, url, model string, sampleRate int) *BatchClient {
	if sampleRate == 0 {
		sampleRate = 16000
	}
	return &BatchClient{
		apiKey:     apiKey,
		url:        url,
		model:      model,
		sampleRate: sampleRate,
		httpClient: http.DefaultClient,
	}
}

// Transcribe uploads pcm as a WAV file and returns the transcript text.
func (c *BatchClient) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	wavData := audio.NewWavBuffer(pcm, c.sampleRate)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("model", c.model); err != nil {
		return "", err
	}
	part, err := writer.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, bytes.NewReader(wavData)); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("stt: batch transcription failed (status %d): %s", resp.StatusCode, raw)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Text, nil
}
