package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-shiori/go-readability"

	"github.com/yangwenmai/crowdrank/internal/model"
)

const (
	// minReferenceRunes rejects pages that read as login or cookie walls.
	minReferenceRunes = 100
	fetchAttempts     = 3
	maxPageBytes      = 5 << 20
)

// errPermanent marks a fetch failure that another attempt cannot fix.
var errPermanent = errors.New("permanent fetch failure")

// HTTPExtractor resolves a reference link into readable reference text.
// Capping the text is left to the caller.
type HTTPExtractor struct {
	client  *http.Client
	backoff time.Duration
}

// NewHTTPExtractor returns an extractor whose fetches time out after timeout.
func NewHTTPExtractor(timeout time.Duration) *HTTPExtractor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPExtractor{
		client:  &http.Client{Timeout: timeout},
		backoff: 2 * time.Second,
	}
}

// Extract fetches link and returns a Reference carrying the page's readable
// text and the link it resolved to after redirects. Server errors and
// network failures are retried; client errors are not.
func (e *HTTPExtractor) Extract(ctx context.Context, link string) (model.Reference, error) {
	var err error
	for attempt := range fetchAttempts {
		if attempt > 0 {
			t := time.NewTimer(time.Duration(attempt) * e.backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return model.Reference{}, ctx.Err()
			case <-t.C:
			}
		}
		var ref model.Reference
		ref, err = e.extractOnce(ctx, link)
		if err == nil {
			return ref, nil
		}
		if ctx.Err() != nil {
			return model.Reference{}, ctx.Err()
		}
		if errors.Is(err, errPermanent) {
			return model.Reference{}, err
		}
	}
	return model.Reference{}, fmt.Errorf("fetch %s: gave up after %d attempts: %w", link, fetchAttempts, err)
}

func (e *HTTPExtractor) extractOnce(ctx context.Context, link string) (model.Reference, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return model.Reference{}, fmt.Errorf("%w: %v", errPermanent, err)
	}
	req.Header.Set("User-Agent", "crowdrank-reference-fetcher/1.0")
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	resp, err := e.client.Do(req)
	if err != nil {
		return model.Reference{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return model.Reference{}, fmt.Errorf("status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return model.Reference{}, fmt.Errorf("%w: status %d", errPermanent, resp.StatusCode)
	}

	page, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return model.Reference{}, err
	}
	resolved := resp.Request.URL
	article, err := readability.FromReader(bytes.NewReader(page), resolved)
	if err != nil {
		return model.Reference{}, fmt.Errorf("%w: readability: %v", errPermanent, err)
	}

	text := collapseWhitespace(article.TextContent)
	if n := utf8.RuneCountInString(text); n < minReferenceRunes {
		return model.Reference{}, fmt.Errorf("%w: page text too short (%d runes)", errPermanent, n)
	}
	return model.Reference{Link: resolved.String(), Text: text}, nil
}

// collapseWhitespace squeezes runs of spaces inside each line and keeps at
// most one blank line between paragraphs.
func collapseWhitespace(s string) string {
	var b strings.Builder
	blank := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			blank = b.Len() > 0
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
			if blank {
				b.WriteByte('\n')
			}
		}
		b.WriteString(line)
		blank = false
	}
	return b.String()
}
