package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"io"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"

	"github.com/RealZimboGuy/stepflow/pkg/stepflow/core"
)

const (
	maxContentLength = 50000
	maxBodyBytes     = 5 << 20
)

// WebsiteLoadResult is stored as the job result of a WEBSITE_LOADING step.
type WebsiteLoadResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	URL     string `json:"url"`
	Title   string `json:"title"`
	Excerpt string `json:"excerpt,omitempty"`
	Length  int    `json:"length"`
	Content string `json:"content"`
}

type websiteData struct {
	URL string `json:"url"`
}

// WebsiteLoader fetches the page in the step data ({"url": "..."}) and extracts its readable text.
type WebsiteLoader struct {
	Client    *http.Client
	UserAgent string
	policy    *bluemonday.Policy
}

func NewWebsiteLoader() *WebsiteLoader {
	return &WebsiteLoader{
		Client:    &http.Client{Timeout: 30 * time.Second},
		UserAgent: "Mozilla/5.0 (compatible; stepflow/1.0; +https://github.com/RealZimboGuy/stepflow)",
		policy:    bluemonday.StrictPolicy(),
	}
}

func (l *WebsiteLoader) Execute(ctx context.Context, ec core.ExecutionContext) (any, error) {
	var data websiteData
	if len(ec.Payload.Data) > 0 {
		if err := json.Unmarshal(ec.Payload.Data, &data); err != nil {
			return nil, fmt.Errorf("invalid website loading data: %w", err)
		}
	}
	if data.URL == "" {
		return nil, errors.New("website loading requires data.url")
	}
	parsedURL, err := url.Parse(data.URL)
	if err != nil || (parsedURL.Scheme != "http" && parsedURL.Scheme != "https") {
		return nil, fmt.Errorf("invalid url %q", data.URL)
	}

	slog.InfoContext(ctx, "Loading website", "step_id", ec.StepID, "url", data.URL,
		"step", fmt.Sprintf("%d/%d", ec.CurrentStepNumber, ec.TotalSteps))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, data.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", l.UserAgent)

	resp, err := l.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", data.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s: status code %d", data.URL, resp.StatusCode)
	}

	article, err := readability.FromReader(io.LimitReader(resp.Body, maxBodyBytes), parsedURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse article: %w", err)
	}

	content := l.policy.Sanitize(article.TextContent)
	length := len(content)
	if length > maxContentLength {
		content = truncateUTF8(content, maxContentLength)
	}

	return WebsiteLoadResult{
		Success: true,
		Message: "Website loaded",
		URL:     data.URL,
		Title:   l.policy.Sanitize(article.Title),
		Excerpt: l.policy.Sanitize(article.Excerpt),
		Length:  length,
		Content: content,
	}, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
