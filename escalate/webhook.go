package escalate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/trickstertwo/xnotify"
)

// WebhookInvoker POSTs the payload to an HTTP endpoint. The target is the
// endpoint URL.
type WebhookInvoker struct {
	Client *http.Client
	// Header is added to every request, e.g. an Authorization header
	// resolved from configuration.
	Header http.Header
}

var _ Invoker = WebhookInvoker{}

func (w WebhookInvoker) Invoke(ctx context.Context, target string, payload []byte) error {
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: webhook target %q", xnotify.ErrMalformed, target)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %w", xnotify.ErrMalformed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range w.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: webhook status %d", xnotify.ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return fmt.Errorf("%w: webhook status %d", xnotify.ErrMalformed, resp.StatusCode)
	default:
		return fmt.Errorf("%w: webhook status %d", xnotify.ErrUnavailable, resp.StatusCode)
	}
}
