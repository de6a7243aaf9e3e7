package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

// GatewayAuth configures OAuth2 client credentials for the messaging gateway.
// A zero TokenURL leaves requests unauthenticated.
type GatewayAuth struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// NewHTTPClient returns the client the gateway implementations share.
func NewHTTPClient(ctx context.Context, auth GatewayAuth, timeout time.Duration) *http.Client {
	if auth.TokenURL == "" {
		return &http.Client{Timeout: timeout}
	}
	cc := clientcredentials.Config{
		ClientID:     auth.ClientID,
		ClientSecret: auth.ClientSecret,
		TokenURL:     auth.TokenURL,
	}
	client := cc.Client(ctx)
	client.Timeout = timeout
	return client
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, body any) error {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(requestBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway rejected request: status code %d", resp.StatusCode)
	}
	return nil
}

// HTTPMailer is an HTTP implementation of Mailer.
type HTTPMailer struct {
	url    string
	client *http.Client
}

// NewHTTPMailer creates a new HTTPMailer.
func NewHTTPMailer(url string, client *http.Client) *HTTPMailer {
	return &HTTPMailer{url: url, client: client}
}

// Send posts the message to the mail relay.
func (m *HTTPMailer) Send(ctx context.Context, senderID string, msg Email) error {
	return postJSON(ctx, m.client, m.url+"/send", struct {
		SenderID string `json:"sender_id,omitempty"`
		Email
	}{SenderID: senderID, Email: msg})
}

// HTTPTextSender is an HTTP implementation of TextSender.
type HTTPTextSender struct {
	url    string
	client *http.Client
}

// NewHTTPTextSender creates a new HTTPTextSender for one channel's gateway.
func NewHTTPTextSender(url string, client *http.Client) *HTTPTextSender {
	return &HTTPTextSender{url: url, client: client}
}

// Send posts the message to the channel gateway.
func (s *HTTPTextSender) Send(ctx context.Context, from, to, body string) error {
	return postJSON(ctx, s.client, s.url+"/messages", map[string]string{
		"from": from,
		"to":   to,
		"body": body,
	})
}

// HTTPIdentityResolver is an HTTP implementation of IdentityResolver.
type HTTPIdentityResolver struct {
	url    string
	client *http.Client
}

// NewHTTPIdentityResolver creates a new HTTPIdentityResolver.
func NewHTTPIdentityResolver(url string, client *http.Client) *HTTPIdentityResolver {
	return &HTTPIdentityResolver{url: url, client: client}
}

// Resolve returns the sending identity for senderID; "" asks for the
// gateway's default identity.
func (r *HTTPIdentityResolver) Resolve(ctx context.Context, senderID string) (*Identity, error) {
	id := senderID
	if id == "" {
		id = "default"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url+"/identities/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to resolve identity: status code %d", resp.StatusCode)
	}

	var identity Identity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	return &identity, nil
}
