// Package anchorpay talks to the payment provider's REST API. It implements
// both capture of inbound money and initiation plus polling of outbound
// payouts.
package anchorpay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/GreenLoopResearchLab/wallet/pkg/wallet"
)

const (
	defaultTimeout = 30 * time.Second

	apiKeyHeader = "x-anchor-key"

	capturesPath = "/api/v1/captures"
	payoutsPath  = "/api/v1/payouts"
)

// Client is an HTTP client for the provider.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client, mostly for tests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(client *Client) {
		client.httpClient = httpClient
	}
}

// NewClient creates a provider client with a 30 second default timeout.
func NewClient(baseURL string, apiKey string, options ...Option) *Client {
	client := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client
}

type captureRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Method string `json:"method"`
}

type captureResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

type payoutRequest struct {
	Reference   string `json:"reference"`
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	Destination string `json:"destination"`
}

type payoutStatusResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

type errorResponse struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (response *errorResponse) Error() string {
	if len(response.Errors) > 0 {
		return fmt.Sprintf("provider error: %s - %s", response.Errors[0].Title, response.Errors[0].Detail)
	}
	return "unknown provider error"
}

// Capture charges the user's payment method and returns the provider
// reference for the settled charge.
func (client *Client) Capture(ctx context.Context, userID wallet.UserID, amount wallet.MoneyAmount, method string) (string, error) {
	payload := captureRequest{
		UserID: userID.String(),
		Amount: amount.Int64(),
		Method: method,
	}
	var response captureResponse
	if err := client.post(ctx, capturesPath, payload, &response); err != nil {
		return "", err
	}
	if response.Reference == "" {
		return "", fmt.Errorf("capture response missing reference")
	}
	return response.Reference, nil
}

// Payout initiates an asynchronous transfer out. The caller-chosen reference
// correlates the later status poll and the provider webhook.
func (client *Client) Payout(ctx context.Context, reference string, userID wallet.UserID, amount wallet.MoneyAmount, destination string) error {
	payload := payoutRequest{
		Reference:   reference,
		UserID:      userID.String(),
		Amount:      amount.Int64(),
		Destination: destination,
	}
	return client.post(ctx, payoutsPath, payload, nil)
}

// PayoutStatus polls the provider for the payout's current state.
func (client *Client) PayoutStatus(ctx context.Context, reference string) (wallet.PayoutState, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, client.baseURL+payoutsPath+"/"+reference, nil)
	if err != nil {
		return wallet.PayoutPending, fmt.Errorf("build status request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set(apiKeyHeader, client.apiKey)

	var response payoutStatusResponse
	if err := client.do(request, &response); err != nil {
		return wallet.PayoutPending, err
	}
	return wallet.ParsePayoutState(response.Status)
}

func (client *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	request.Header.Set(apiKeyHeader, client.apiKey)
	return client.do(request, out)
}

func (client *Client) do(request *http.Request, out any) error {
	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer response.Body.Close()

	bodyBytes, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		var providerError errorResponse
		if err := json.Unmarshal(bodyBytes, &providerError); err != nil {
			return fmt.Errorf("provider returned status %d", response.StatusCode)
		}
		return &providerError
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
