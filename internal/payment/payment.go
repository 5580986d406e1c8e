package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	nanoid "github.com/jaevor/go-nanoid"
)

var (
	// ErrSettlement is returned when a settlement could not be completed.
	ErrSettlement = errors.New("payment: settlement failed")

	// ErrInvalidRequest is returned for requests that can never settle.
	ErrInvalidRequest = errors.New("payment: invalid settlement request")
)

const (
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 1 << 20
	referenceLen   = 21
)

// Settler settles a session's accrued cost and returns a payment reference.
type Settler interface {
	Settle(ctx context.Context, req SettlementRequest) (string, error)
}

// SettlementRequest describes one settlement.
type SettlementRequest struct {
	SessionID   string  `json:"session_id"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Payer       string  `json:"payer"`
	Payee       string  `json:"payee"`
	Description string  `json:"description,omitempty"`
}

func (r SettlementRequest) validate() error {
	var problems []string
	if r.SessionID == "" {
		problems = append(problems, "session id is required")
	}
	if r.Amount <= 0 {
		problems = append(problems, "amount must be positive")
	}
	if r.Currency == "" {
		problems = append(problems, "currency is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

// FacilitatorConfig configures a FacilitatorClient.
type FacilitatorConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// FacilitatorClient settles through a remote payment facilitator.
type FacilitatorClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewFacilitatorClient creates a client posting to cfg.URL + "/settle".
func NewFacilitatorClient(cfg FacilitatorConfig) *FacilitatorClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &FacilitatorClient{
		endpoint: strings.TrimRight(cfg.URL, "/") + "/settle",
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type settleResponse struct {
	Reference string `json:"reference"`
	Error     string `json:"error,omitempty"`
}

// Settle posts the request and returns the facilitator's reference.
func (c *FacilitatorClient) Settle(ctx context.Context, req SettlementRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("%w: encoding request: %v", ErrSettlement, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSettlement, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSettlement, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", ErrSettlement, err)
	}

	var out settleResponse
	//nolint:errcheck // Error bodies may not be JSON
	json.Unmarshal(data, &out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if out.Error != "" {
			return "", fmt.Errorf("%w: HTTP %d: %s", ErrSettlement, resp.StatusCode, out.Error)
		}
		return "", fmt.Errorf("%w: HTTP %d", ErrSettlement, resp.StatusCode)
	}
	if out.Reference == "" {
		return "", fmt.Errorf("%w: facilitator returned no reference", ErrSettlement)
	}
	return out.Reference, nil
}

// LocalSettler accepts every valid request and returns a generated
// reference of the form tx_<nanoid>.
type LocalSettler struct {
	next func() string
}

// NewLocalSettler creates a LocalSettler.
func NewLocalSettler() *LocalSettler {
	gen, err := nanoid.Standard(referenceLen)
	if err != nil {
		panic(fmt.Sprintf("payment: nanoid generator: %v", err))
	}
	return &LocalSettler{next: gen}
}

// Settle returns a new local reference.
func (s *LocalSettler) Settle(ctx context.Context, req SettlementRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := req.validate(); err != nil {
		return "", err
	}
	return "tx_" + s.next(), nil
}

// SettlerFunc adapts a function to the Settler interface.
type SettlerFunc func(ctx context.Context, req SettlementRequest) (string, error)

// Settle calls f.
func (f SettlerFunc) Settle(ctx context.Context, req SettlementRequest) (string, error) {
	return f(ctx, req)
}
