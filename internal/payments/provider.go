package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Provider is the external checkout gateway. paypalProvider is the real
// implementation; tests substitute a fake.
type Provider interface {
	CreateOrder(ctx context.Context, amount decimal.Decimal, currency string) (orderID, approveURL string, err error)
	CaptureOrder(ctx context.Context, orderID string) error
}

type paypalProvider struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewPayPalProvider(baseURL, clientID, clientSecret string) Provider {
	return &paypalProvider{
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
	}
}

// token returns a cached OAuth access token, refreshing it when missing or
// within a minute of expiry.
func (p *paypalProvider) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accessToken != "" && time.Until(p.tokenExpiry) > time.Minute {
		return p.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(p.clientID, p.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("payment token request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("payment token request returned status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	p.accessToken = body.AccessToken
	p.tokenExpiry = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	return p.accessToken, nil
}

func (p *paypalProvider) CreateOrder(ctx context.Context, amount decimal.Decimal, currency string) (string, string, error) {
	payload := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"amount": map[string]string{
				"currency_code": currency,
				"value":         amount.StringFixed(2),
			},
		}},
	}
	var body struct {
		ID    string `json:"id"`
		Links []struct {
			Href string `json:"href"`
			Rel  string `json:"rel"`
		} `json:"links"`
	}
	if err := p.post(ctx, "/v2/checkout/orders", payload, &body); err != nil {
		return "", "", err
	}
	approveURL := ""
	for _, l := range body.Links {
		if l.Rel == "approve" {
			approveURL = l.Href
		}
	}
	return body.ID, approveURL, nil
}

func (p *paypalProvider) CaptureOrder(ctx context.Context, orderID string) error {
	var body struct {
		Status string `json:"status"`
	}
	if err := p.post(ctx, "/v2/checkout/orders/"+orderID+"/capture", map[string]any{}, &body); err != nil {
		return err
	}
	if body.Status != "COMPLETED" {
		return fmt.Errorf("capture not completed: status %s", body.Status)
	}
	return nil
}

func (p *paypalProvider) post(ctx context.Context, path string, payload, out any) error {
	token, err := p.token(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("payment request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("payment request %s returned status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
