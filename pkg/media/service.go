// Package media normalizes inbound attachments: it downloads provider media,
// archives it in blob storage, transcribes audio and describes images so the
// engine can fold the result into the LLM-visible text.
package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"
)

// MaxDownloadSize caps inbound media downloads (WhatsApp media tops out well
// below this).
const MaxDownloadSize = 32 << 20 // 32 MiB

// Service is the media pipeline contract consumed by the engine.
type Service interface {
	Download(ctx context.Context, url string, headers map[string]string) ([]byte, string, error)
	Upload(ctx context.Context, data []byte, path, contentType string) (string, error)
	Transcribe(ctx context.Context, url string, headers map[string]string) (string, error)
	AnalyzeImage(ctx context.Context, url string) (string, error)
}

// OpenAIMedia implements transcription and image analysis on the OpenAI API,
// with downloads retried via exponential backoff and uploads delegated to a
// blob storage client.
type OpenAIMedia struct {
	client      *openai.Client
	storage     *StorageClient
	httpClient  *http.Client
	visionModel string
}

// NewOpenAIMedia builds the pipeline. storage may be nil (uploads disabled).
func NewOpenAIMedia(client *openai.Client, storage *StorageClient, visionModel string) *OpenAIMedia {
	return &OpenAIMedia{
		client:      client,
		storage:     storage,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		visionModel: visionModel,
	}
}

// Download fetches media bytes, retrying transient failures.
func (m *OpenAIMedia) Download(ctx context.Context, url string, headers map[string]string) ([]byte, string, error) {
	var data []byte
	var contentType string

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build download request: %w", err))
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := m.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to download media: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(fmt.Errorf("media download rejected: status %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("media download failed: status %d", resp.StatusCode)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, MaxDownloadSize+1))
		if err != nil {
			return fmt.Errorf("failed to read media body: %w", err)
		}
		if len(body) > MaxDownloadSize {
			return backoff.Permanent(fmt.Errorf("media exceeds %d byte limit", MaxDownloadSize))
		}

		data = body
		contentType = resp.Header.Get("Content-Type")
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, "", err
	}
	return data, contentType, nil
}

// Upload archives media bytes in blob storage and returns the public URL.
func (m *OpenAIMedia) Upload(ctx context.Context, data []byte, path, contentType string) (string, error) {
	if m.storage == nil {
		return "", fmt.Errorf("blob storage not configured")
	}
	return m.storage.Put(ctx, path, data, contentType)
}

// Transcribe downloads an audio attachment and runs Whisper over it.
func (m *OpenAIMedia) Transcribe(ctx context.Context, url string, headers map[string]string) (string, error) {
	data, _, err := m.Download(ctx, url, headers)
	if err != nil {
		return "", fmt.Errorf("failed to fetch audio for transcription: %w", err)
	}

	resp, err := m.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: "audio.ogg", // filename hint only; bytes come from Reader
		Reader:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("failed to transcribe audio: %w", err)
	}
	return resp.Text, nil
}

// AnalyzeImage describes an image with a vision-capable chat model.
func (m *OpenAIMedia) AnalyzeImage(ctx context.Context, url string) (string, error) {
	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: m.visionModel,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: "Describe this image briefly for a sales-conversation transcript. Mention any text, receipts, amounts or products visible.",
					},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: url},
					},
				},
			},
		},
		MaxTokens: 300,
	})
	if err != nil {
		return "", fmt.Errorf("failed to analyze image: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("vision model returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
