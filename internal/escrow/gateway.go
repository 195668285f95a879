package escrow

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Gateway is the abstract mobile-money port. The wire protocol to the
// actual provider is out of scope; the engine only needs these calls.
type Gateway interface {
	CreateOrder(ctx context.Context, orderID string, amountCents int64, payerPhone, webhookURL string) error
	TriggerCollection(ctx context.Context, orderID, transactionID, payerPhone string) error
	Transfer(ctx context.Context, network, number string, amountCents int64, reference string) error
	VerifyCallbackSignature(rawBody []byte, signature string) bool
}

const gatewayTimeout = 10 * time.Second

// HTTPGateway talks JSON to a provider endpoint and authenticates
// callbacks with HMAC-SHA256 over the raw body.
type HTTPGateway struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	HTTPClient    *http.Client
}

func NewHTTPGateway(baseURL, apiKey, webhookSecret string) *HTTPGateway {
	return &HTTPGateway{
		BaseURL:       baseURL,
		APIKey:        apiKey,
		WebhookSecret: webhookSecret,
		HTTPClient:    &http.Client{Timeout: gatewayTimeout},
	}
}

var _ Gateway = (*HTTPGateway)(nil)

func (g *HTTPGateway) CreateOrder(ctx context.Context, orderID string, amountCents int64, payerPhone, webhookURL string) error {
	return g.post(ctx, "/orders", map[string]any{
		"order_id":    orderID,
		"amount":      amountCents,
		"currency":    "TZS",
		"payer_phone": payerPhone,
		"webhook_url": webhookURL,
	})
}

func (g *HTTPGateway) TriggerCollection(ctx context.Context, orderID, transactionID, payerPhone string) error {
	return g.post(ctx, "/collections", map[string]any{
		"order_id":       orderID,
		"transaction_id": transactionID,
		"payer_phone":    payerPhone,
	})
}

func (g *HTTPGateway) Transfer(ctx context.Context, network, number string, amountCents int64, reference string) error {
	return g.post(ctx, "/transfers", map[string]any{
		"network":   network,
		"number":    number,
		"amount":    amountCents,
		"currency":  "TZS",
		"reference": reference,
	})
}

func (g *HTTPGateway) VerifyCallbackSignature(rawBody []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(g.WebhookSecret))
	mac.Write(rawBody)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

func (g *HTTPGateway) post(ctx context.Context, path string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal gateway payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.APIKey)

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway %s returned status %d", path, resp.StatusCode)
	}
	return nil
}
