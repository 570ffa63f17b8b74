package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"wabatch/internal/domain"
	"wabatch/internal/observability"
	"wabatch/internal/util"
)

// Client talks to the WhatsApp Cloud (Graph) API. All calls go through the
// per-process rate limiter and the shared circuit breaker. Tokens are
// per-WABA, so every call takes the phone's token; AccessToken is the
// fallback for phones without one of their own.
type Client struct {
	AccessToken string
	BaseURL     string
	HTTP        *http.Client

	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker
}

const defaultBaseURL = "https://graph.facebook.com/v20.0"

type MediaInfo struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
	SHA256   string `json:"sha256"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (c *Client) base() string {
	b := strings.TrimRight(c.BaseURL, "/")
	if b == "" {
		b = defaultBaseURL
	}
	return b
}

func (c *Client) do(ctx context.Context, op, accessToken string, req *http.Request) (*http.Response, []byte, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, nil, err
		}
	}
	if accessToken == "" {
		accessToken = c.AccessToken
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	start := time.Now()
	call := func() (any, error) {
		resp, err := c.HTTP.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("graph %s: status %d", op, resp.StatusCode)
		}
		return callResult{resp: resp, body: b}, nil
	}

	var res any
	var err error
	if c.Breaker != nil {
		res, err = c.Breaker.Execute(call)
	} else {
		res, err = call()
	}
	observability.GraphLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.GraphCalls.WithLabelValues(op, "error").Inc()
		return nil, nil, err
	}
	observability.GraphCalls.WithLabelValues(op, "ok").Inc()
	r := res.(callResult)
	return r.resp, r.body, nil
}

type callResult struct {
	resp *http.Response
	body []byte
}

// GetMediaInfo resolves a media id to its short-lived download URL. Expired
// or deleted media maps to domain.ErrMediaNotFound.
func (c *Client) GetMediaInfo(ctx context.Context, accessToken, mediaID string) (MediaInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/"+mediaID, nil)
	if err != nil {
		return MediaInfo{}, err
	}
	resp, body, err := c.do(ctx, "media_info", accessToken, req)
	if err != nil {
		return MediaInfo{}, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return MediaInfo{}, domain.ErrMediaNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return MediaInfo{}, fmt.Errorf("graph media info: status %d: %s", resp.StatusCode, truncate(body))
	}
	var info MediaInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return MediaInfo{}, fmt.Errorf("graph media info: decode: %w", err)
	}
	return info, nil
}

// DownloadMedia fetches the binary content from a URL returned by
// GetMediaInfo. The URL expires after a few minutes, so a 404 here also maps
// to domain.ErrMediaNotFound.
func (c *Client) DownloadMedia(ctx context.Context, accessToken, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, body, err := c.do(ctx, "media_download", accessToken, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, domain.ErrMediaNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graph media download: status %d", resp.StatusCode)
	}
	return body, nil
}

// SendText sends a plain text message and returns the provider message id.
func (c *Client) SendText(ctx context.Context, accessToken, providerPhoneID, to, text string) (string, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                util.PhoneDigits(to),
		"type":              "text",
		"text":              map[string]string{"body": text},
	}
	return c.postMessages(ctx, "send_text", accessToken, providerPhoneID, payload)
}

// MarkRead marks an inbound message as read.
func (c *Client) MarkRead(ctx context.Context, accessToken, providerPhoneID, providerMessageID string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        providerMessageID,
	}
	_, err := c.postMessages(ctx, "mark_read", accessToken, providerPhoneID, payload)
	return err
}

// StartTyping shows the typing indicator; it is dismissed by the next send or
// after the provider's timeout.
func (c *Client) StartTyping(ctx context.Context, accessToken, providerPhoneID, providerMessageID string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        providerMessageID,
		"typing_indicator":  map[string]string{"type": "text"},
	}
	_, err := c.postMessages(ctx, "typing", accessToken, providerPhoneID, payload)
	return err
}

func (c *Client) postMessages(ctx context.Context, op, accessToken, providerPhoneID string, payload map[string]any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base()+"/"+providerPhoneID+"/messages", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, body, err := c.do(ctx, op, accessToken, req)
	if err != nil {
		return "", err
	}

	var out sendResponse
	_ = json.Unmarshal(body, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Error != nil && out.Error.Message != "" {
			return "", fmt.Errorf("graph %s: %s (code %d)", op, out.Error.Message, out.Error.Code)
		}
		return "", fmt.Errorf("graph %s: status %d", op, resp.StatusCode)
	}
	if len(out.Messages) > 0 {
		return out.Messages[0].ID, nil
	}
	return "", nil
}

// ShouldRetry classifies an error/status as transient.
func ShouldRetry(err error, httpStatus int) bool {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return true
		}
		if errors.Is(err, domain.ErrMediaNotFound) {
			return false
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return true
		}
		return true
	}
	if httpStatus == 429 || httpStatus == 408 {
		return true
	}
	return httpStatus >= 500 && httpStatus <= 599
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}
