package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"arcanabot/internal/servicetoken"
	"arcanabot/pkg/domain"
)

const linkedAudience = "accounts"

// HTTPLinkedClient talks to the linked-account service over its internal
// HTTP API, authenticating with short-lived service JWTs.
type HTTPLinkedClient struct {
	baseURL    string
	signer     *servicetoken.Signer
	httpClient *http.Client
}

// NewHTTPLinkedClient builds a client for the given base URL.
func NewHTTPLinkedClient(baseURL string, signer *servicetoken.Signer) (*HTTPLinkedClient, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("accounts base URL is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("internal signer is required")
	}
	return &HTTPLinkedClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		signer:     signer,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Resolve looks up the canonical account for an identity. A 404 means the
// identity is unlinked and is not an error.
func (c *HTTPLinkedClient) Resolve(ctx context.Context, identity int64) (string, bool, error) {
	var out struct {
		AccountID string `json:"accountId"`
	}
	status, err := c.post(ctx, "/internal/accounts/resolve", map[string]any{"identity": identity}, &out)
	if err != nil {
		return "", false, err
	}
	if status == http.StatusNotFound {
		return "", false, nil
	}
	if out.AccountID == "" {
		return "", false, fmt.Errorf("accounts: empty account id in resolve response")
	}
	return out.AccountID, true, nil
}

// Consume decrements the linked balance; the service performs the
// conditional update atomically and reports insufficiency as ok=false.
func (c *HTTPLinkedClient) Consume(ctx context.Context, accountID string, creditType domain.CreditType, amount int64) (bool, error) {
	var out struct {
		OK bool `json:"ok"`
	}
	if _, err := c.post(ctx, "/internal/ledger/consume", map[string]any{
		"accountId":  accountID,
		"creditType": creditType,
		"amount":     amount,
	}, &out); err != nil {
		return false, err
	}
	return out.OK, nil
}

// Refund increments the linked balance.
func (c *HTTPLinkedClient) Refund(ctx context.Context, accountID string, creditType domain.CreditType, amount int64) error {
	_, err := c.post(ctx, "/internal/ledger/refund", map[string]any{
		"accountId":  accountID,
		"creditType": creditType,
		"amount":     amount,
	}, nil)
	return err
}

// Balance reads the linked balance.
func (c *HTTPLinkedClient) Balance(ctx context.Context, accountID string, creditType domain.CreditType) (int64, error) {
	var out struct {
		Amount int64 `json:"amount"`
	}
	if _, err := c.post(ctx, "/internal/ledger/balance", map[string]any{
		"accountId":  accountID,
		"creditType": creditType,
	}, &out); err != nil {
		return 0, err
	}
	return out.Amount, nil
}

func (c *HTTPLinkedClient) post(ctx context.Context, path string, body map[string]any, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	token, err := c.signer.Sign(linkedAudience)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, nil
	}
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return resp.StatusCode, fmt.Errorf("accounts error: %s", msg)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode accounts response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

var _ LinkedClient = (*HTTPLinkedClient)(nil)
