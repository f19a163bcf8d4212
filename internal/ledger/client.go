// Package ledger wraps the billing backend's reserve/settle/refund surface
// (C3), shaped like the teacher's internal/storage HTTP client: a
// retried *http.Client, typed errors, and a local Postgres audit mirror
// used to make repeated reserve calls idempotent without a round trip.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bobarin/renderforge/internal/cachekey"
	"github.com/bobarin/renderforge/internal/models"
)

var (
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
	ErrNotReserved         = errors.New("ledger: not in reserved state")
	ErrNotSettled          = errors.New("ledger: reservation not settled, cannot refund")
	ErrAlreadyRefunded     = errors.New("ledger: already refunded")
)

const (
	maxRetries     = 3
	baseRetryDelay = 1 * time.Second
)

// AuditStore is the local Postgres mirror backing idempotent reserve.
type AuditStore interface {
	GetReservation(ctx context.Context, idempotencyKey string) (*models.CreditReservation, error)
	CreateReservation(ctx context.Context, r *models.CreditReservation) error
	SettleReservation(ctx context.Context, idempotencyKey string, status models.ReservationStatus) error
	RefundReservation(ctx context.Context, idempotencyKey string) error
}

type Client struct {
	baseURL string
	apiKey  string
	audit   AuditStore
	http    *http.Client
}

func New(baseURL, apiKey string, audit AuditStore) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		audit:   audit,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseRetryDelay
	b.Multiplier = 2
	return backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)
}

type reserveRequest struct {
	IdempotencyKey string                 `json:"idempotency_key"`
	UserID         string                 `json:"user_id"`
	Operation      string                 `json:"operation"`
	Params         map[string]interface{} `json:"params"`
}

type reserveResponse struct {
	CreditsReserved int  `json:"credits_reserved"`
	Insufficient    bool `json:"insufficient"`
	Required        int  `json:"required"`
	Available       int  `json:"available"`
}

// Reserve derives the idempotency key from (user_id, operation, job_id) and
// reserves credits against the billing backend. A repeated call with the
// same derived key short-circuits against the local audit mirror, returning
// the original reservation without a network round trip.
func (c *Client) Reserve(ctx context.Context, userID, operation, jobID string, params map[string]interface{}) (*models.CreditReservation, error) {
	key := cachekey.IdempotencyKey(userID, operation, jobID)

	if existing, err := c.audit.GetReservation(ctx, key); err == nil && existing != nil {
		return existing, nil
	}

	var result reserveResponse
	err := backoff.Retry(func() error {
		body, _ := json.Marshal(reserveRequest{
			IdempotencyKey: key,
			UserID:         userID,
			Operation:      operation,
			Params:         params,
		})

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/reservations", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusPaymentRequired {
			json.NewDecoder(resp.Body).Decode(&result)
			return backoff.Permanent(fmt.Errorf("%w: required=%d available=%d", ErrInsufficientCredits, result.Required, result.Available))
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			respBody, _ := io.ReadAll(resp.Body)
			if isRetryableStatus(resp.StatusCode) {
				return fmt.Errorf("reserve failed with status %d: %s", resp.StatusCode, respBody)
			}
			return backoff.Permanent(fmt.Errorf("reserve failed with status %d: %s", resp.StatusCode, respBody))
		}

		return json.NewDecoder(resp.Body).Decode(&result)
	}, c.newBackoff(ctx))

	if err != nil {
		return nil, err
	}

	reservation := &models.CreditReservation{
		IdempotencyKey:  key,
		UserID:          userID,
		Operation:       operation,
		JobID:           jobID,
		CreditsReserved: result.CreditsReserved,
		Status:          models.ReservationReserved,
	}
	if err := c.audit.CreateReservation(ctx, reservation); err != nil {
		return nil, fmt.Errorf("failed to record reservation locally: %w", err)
	}
	return reservation, nil
}

// Settle converts a reservation to its terminal status. status=failed
// releases the hold without charging; status=completed converts the hold
// to a debit.
func (c *Client) Settle(ctx context.Context, key string, status models.ReservationStatus, settleErr error) error {
	if status != models.ReservationCompleted && status != models.ReservationFailed {
		return fmt.Errorf("ledger: invalid settle status %q", status)
	}

	err := backoff.Retry(func() error {
		body, _ := json.Marshal(map[string]interface{}{
			"idempotency_key": key,
			"status":          status,
			"error":           errString(settleErr),
		})

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/reservations/"+key+"/settle", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode == http.StatusOK {
			return nil
		}
		if isRetryableStatus(resp.StatusCode) {
			return fmt.Errorf("settle failed with status %d", resp.StatusCode)
		}
		return backoff.Permanent(fmt.Errorf("settle failed with status %d", resp.StatusCode))
	}, c.newBackoff(ctx))

	if err != nil {
		return err
	}

	return c.audit.SettleReservation(ctx, key, status)
}

// Refund reverses a previously completed settlement. It is forbidden
// against a reservation that is not completed, or already refunded.
func (c *Client) Refund(ctx context.Context, key, reason string) error {
	existing, err := c.audit.GetReservation(ctx, key)
	if err != nil {
		return fmt.Errorf("ledger: lookup reservation: %w", err)
	}
	if existing == nil {
		return ErrNotSettled
	}
	if existing.RefundedAt != nil {
		return ErrAlreadyRefunded
	}
	if existing.Status != models.ReservationCompleted {
		return ErrNotSettled
	}

	err = backoff.Retry(func() error {
		body, _ := json.Marshal(map[string]string{"idempotency_key": key, "reason": reason})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/reservations/"+key+"/refund", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode == http.StatusOK {
			return nil
		}
		if isRetryableStatus(resp.StatusCode) {
			return fmt.Errorf("refund failed with status %d", resp.StatusCode)
		}
		return backoff.Permanent(fmt.Errorf("refund failed with status %d", resp.StatusCode))
	}, c.newBackoff(ctx))

	if err != nil {
		return err
	}

	return c.audit.RefundReservation(ctx, key)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}
