package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"wabatch/internal/domain"
)

// Result of a transcription run.
type Result struct {
	Text     string
	Language string
	Duration float64
}

// Transcriber turns a local audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, localPath string) (Result, error)
}

// HTTPTranscriber calls an OpenAI-compatible /audio/transcriptions endpoint.
type HTTPTranscriber struct {
	BaseURL  string
	APIKey   string
	Model    string
	Language string
	HTTP     *http.Client
}

type apiResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, localPath string) (Result, error) {
	if t.BaseURL == "" || t.APIKey == "" {
		return Result{}, domain.ErrNotConfigured
	}

	f, err := os.Open(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, domain.ErrMissingMediaFile
		}
		return Result{}, err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(localPath))
	if err != nil {
		return Result{}, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return Result{}, err
	}
	_ = mw.WriteField("model", t.Model)
	if t.Language != "" {
		_ = mw.WriteField("language", t.Language)
	}
	_ = mw.WriteField("response_format", "verbose_json")
	if err := mw.Close(); err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.BaseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+t.APIKey)

	resp, err := t.HTTP.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("transcription failed: status %d: %s", resp.StatusCode, body)
	}

	var out apiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Result{}, fmt.Errorf("transcription failed: decode: %w", err)
	}
	return Result{Text: out.Text, Language: out.Language, Duration: out.Duration}, nil
}
