package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"salesflow/internal/types"
)

// WhatsAppClientConfig holds the configuration for creating a WhatsAppClient.
type WhatsAppClientConfig struct {
	BaseURL   string
	Token     types.SecretString
	UserAgent string
	Logger    *slog.Logger
}

// WhatsAppClient sends follow-up messages through the WhatsApp messaging
// gateway. All requests are routed through BaseClient so they inherit the
// platform's resilience behavior (circuit breaker, retries, error mapping).
//
// The gateway resolves the message template for the given follow-up step from
// the organization's sequence configuration; this client only carries the
// addressing triple (organization, ticket, step).
type WhatsAppClient struct {
	base    *BaseClient
	token   types.SecretString
	baseURL string
	logger  *slog.Logger
}

// NewWhatsAppClient creates a new WhatsAppClient. The httpClient timeout
// bounds a single attempt; retries are governed by the BaseClient policy.
func NewWhatsAppClient(httpClient *http.Client, cfg WhatsAppClientConfig) *WhatsAppClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "SalesFlow/1.0"
	}

	base := NewBaseClient(
		httpClient,
		"whatsapp",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		userAgent,
	)

	return &WhatsAppClient{
		base:    base,
		token:   cfg.Token,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		logger:  logger,
	}
}

// NewWhatsAppClientWithBase creates a WhatsAppClient with a pre-configured
// BaseClient. This is useful for testing when you want to control the
// BaseClient configuration (e.g., disable retries).
func NewWhatsAppClientWithBase(base *BaseClient, cfg WhatsAppClientConfig) *WhatsAppClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &WhatsAppClient{
		base:    base,
		token:   cfg.Token,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		logger:  logger,
	}
}

// whatsAppSendPayload is the request body for the gateway's follow-up send
// endpoint.
type whatsAppSendPayload struct {
	OrganizationID string `json:"organization_id"`
	TicketID       string `json:"ticket_id"`
	Step           int    `json:"step"`
}

// whatsAppErrorResponse represents the JSON error body returned by the
// gateway.
type whatsAppErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SendFollowUp delivers the follow-up message for the given sequence step on
// the gateway's POST /v1/follow-ups/send endpoint.
//
// Error mapping:
//   - 429 -> handled by BaseClient (retry + ErrCodeUpstreamRateLimit)
//   - 5xx -> handled by BaseClient (retry + ErrCodeUpstreamWhatsApp)
//   - Other 4xx -> ErrCodeUpstreamWhatsApp with the gateway's message
func (c *WhatsAppClient) SendFollowUp(ctx context.Context, orgID, ticketID string, step int) error {
	body, err := json.Marshal(whatsAppSendPayload{
		OrganizationID: orgID,
		TicketID:       ticketID,
		Step:           step,
	})
	if err != nil {
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to marshal follow-up send payload",
			err,
		)
	}

	reqURL := c.baseURL + "/v1/follow-ups/send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create follow-up send request",
			err,
		)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token.Unmask())

	resp, err := c.base.Do(req)
	if err != nil {
		return c.wrapTransportError("SendFollowUp", err)
	}
	defer resp.Body.Close()

	// The gateway returns 202 Accepted on success.
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	return c.handleErrorResponse(resp, "SendFollowUp")
}

// handleErrorResponse reads a gateway error response and maps it to a
// types.AppError.
func (c *WhatsAppClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamWhatsApp,
			fmt.Sprintf("%s: gateway returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var waErr whatsAppErrorResponse
	errMsg := ""
	if jsonErr := json.Unmarshal(body, &waErr); jsonErr == nil && waErr.Message != "" {
		errMsg = waErr.Message
	} else {
		errMsg = string(body)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimit,
			fmt.Sprintf("%s: gateway rate limit exceeded", operation),
			nil,
		)
	}

	return types.NewAppError(
		types.ErrCodeUpstreamWhatsApp,
		fmt.Sprintf("%s: gateway error (%d): %s", operation, resp.StatusCode, errMsg),
		nil,
	)
}

// wrapTransportError wraps a BaseClient transport error with operation
// context. AppErrors from BaseClient (circuit breaker open, retries
// exhausted) already carry the right code and pass through unchanged.
func (c *WhatsAppClient) wrapTransportError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamWhatsApp,
		fmt.Sprintf("%s: gateway request failed: %v", operation, err),
		err,
	)
}
