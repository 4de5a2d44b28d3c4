// Package notify delivers results to external HTTP endpoints: the
// dispatcher's callback stage and the webhook adapter used for heartbeat
// findings both go through the sender here.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebhookSender posts JSON payloads to HTTP endpoints.
// Includes SSRF protection: blocks requests to private IP ranges.
type WebhookSender struct {
	httpClient   *http.Client
	allowPrivate bool
	logger       *slog.Logger
}

// Config configures the webhook sender.
type Config struct {
	Timeout time.Duration // Default: 10s.

	// AllowPrivate disables the private-IP guard. Only for deployments
	// whose callback receivers live on the local network.
	AllowPrivate bool
}

// NewWebhookSender creates a webhook sender.
func NewWebhookSender(cfg Config, logger *slog.Logger) *WebhookSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		httpClient: &http.Client{
			Timeout: timeout,
			// Do not follow redirects — prevents SSRF via redirect to internal hosts.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		allowPrivate: cfg.AllowPrivate,
		logger:       logger,
	}
}

// Post sends one JSON payload to the URL. One attempt, no retries.
func (s *WebhookSender) Post(ctx context.Context, rawURL string, payload any) error {
	if err := s.validateURL(rawURL); err != nil {
		return fmt.Errorf("webhook URL rejected: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Msaidizi-Webhook/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// validateURL checks that the URL points to a public HTTP host.
// Blocks private IPs, loopback, link-local, and non-HTTP schemes.
func (s *WebhookSender) validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if s.allowPrivate {
		return nil
	}

	hostname := u.Hostname()

	// Block obvious loopback names before resolving.
	lower := strings.ToLower(hostname)
	if lower == "localhost" || lower == "127.0.0.1" || lower == "::1" || lower == "0.0.0.0" {
		return fmt.Errorf("loopback addresses not allowed")
	}

	ips, err := net.LookupHost(hostname)
	if err != nil {
		return fmt.Errorf("DNS lookup failed for %q: %w", hostname, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP %s not allowed", ipStr)
		}
	}
	return nil
}

// WebhookAdapter exposes the sender as an outbound channel for heartbeat
// findings. A single adapter serves all users sharing one receiver URL;
// the allowlist controls who may be reached through it.
type WebhookAdapter struct {
	sender  *WebhookSender
	url     string
	allowed map[string]bool // nil = every user authorized
}

// NewWebhookAdapter creates an adapter delivering to url. An empty
// allowedUsers list authorizes everyone.
func NewWebhookAdapter(sender *WebhookSender, url string, allowedUsers []string) *WebhookAdapter {
	var allowed map[string]bool
	if len(allowedUsers) > 0 {
		allowed = make(map[string]bool, len(allowedUsers))
		for _, u := range allowedUsers {
			allowed[u] = true
		}
	}
	return &WebhookAdapter{sender: sender, url: url, allowed: allowed}
}

// Name identifies the adapter in logs.
func (a *WebhookAdapter) Name() string { return "webhook" }

// Authorize reports whether the adapter may deliver to the user.
func (a *WebhookAdapter) Authorize(userID string) bool {
	if a.allowed == nil {
		return true
	}
	return a.allowed[userID]
}

// Send posts the text to the configured receiver.
func (a *WebhookAdapter) Send(ctx context.Context, userID, text string) error {
	return a.sender.Post(ctx, a.url, map[string]string{
		"user": userID,
		"text": text,
	})
}
