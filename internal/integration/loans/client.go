// Package loans queries the external loan service before a repayment is booked.
package loans

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/odyssey-erp/corebank/internal/shared"
)

// Status values reported by the loan service.
const (
	StatusActive = "ACTIVE"
	StatusClosed = "CLOSED"
)

// Loan is the subset of the loan service's view the ledger needs.
type Loan struct {
	ID                string          `json:"id"`
	Number            string          `json:"number"`
	BranchCode        string          `json:"branch_code"`
	Status            string          `json:"status"`
	Currency          string          `json:"currency"`
	Outstanding       decimal.Decimal `json:"outstanding"`
	ReceivableAccount string          `json:"receivable_account"`
}

var (
	// ErrLoanNotFound indicates the loan service does not know the loan.
	ErrLoanNotFound = fmt.Errorf("loans: loan not found: %w", shared.ErrNotFound)
	// ErrUnavailable indicates a timeout, an open breaker or a failing loan service.
	ErrUnavailable = fmt.Errorf("loans: service unavailable: %w", shared.ErrUnavailable)
)

// Config tunes the client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// ConsecutiveFailures opens the breaker.
	ConsecutiveFailures uint32
	// OpenFor is how long the breaker stays open before probing again.
	OpenFor time.Duration
}

// Client calls the loan service through a circuit breaker.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewClient constructs a loan service client. A nil httpClient uses http.DefaultClient.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		http:    httpClient,
		logger:  logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "loan-service",
		Timeout: cfg.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrLoanNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", slog.String("breaker", name), slog.String("from", from.String()), slog.String("to", to.String()))
		},
	})
	return c
}

// GetLoan fetches a loan. It never waits longer than the configured timeout.
func (c *Client) GetLoan(ctx context.Context, id string) (Loan, error) {
	if strings.TrimSpace(id) == "" {
		return Loan{}, fmt.Errorf("%w: loans: id required", shared.ErrValidation)
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, id)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Loan{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return Loan{}, err
	}
	return out.(Loan), nil
}

func (c *Client) fetch(ctx context.Context, id string) (Loan, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/loans/"+url.PathEscape(id), nil)
	if err != nil {
		return Loan{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("loan service call failed", slog.String("loan", id), slog.Any("error", err))
		return Loan{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Loan{}, fmt.Errorf("%w: %s", ErrLoanNotFound, id)
	case resp.StatusCode != http.StatusOK:
		return Loan{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	var loan Loan
	if err := json.NewDecoder(resp.Body).Decode(&loan); err != nil {
		return Loan{}, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	return loan, nil
}
