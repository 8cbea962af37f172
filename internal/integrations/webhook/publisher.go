// Package webhook forwards every published cart to an external HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"shopcart/internal/domain"
)

type Publisher struct {
	url        string
	httpClient *http.Client
	pipeline   failsafe.Executor[any]
	logger     *zap.Logger
}

func NewPublisher(url string, timeout time.Duration, maxRetries int, retryBase, retryMax time.Duration, logger *zap.Logger) *Publisher {
	if retryBase <= 0 {
		retryBase = 500 * time.Millisecond
	}
	if retryMax <= retryBase {
		retryMax = 2 * retryBase
	}
	retryPolicy := retrypolicy.NewBuilder[any]().
		WithBackoff(retryBase, retryMax).
		WithMaxRetries(max(maxRetries, 0)).
		ReturnLastFailure().
		Build()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		pipeline:   failsafe.With[any](retryPolicy),
		logger:     logger,
	}
}

func (p *Publisher) Enabled() bool {
	return p.url != ""
}

// Publish posts one event, retrying transport errors and non-2xx responses.
func (p *Publisher) Publish(ctx context.Context, event domain.Event) error {
	if !p.Enabled() {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.pipeline.WithContext(ctx).Run(func() error {
		return p.post(ctx, event, body)
	})
}

func (p *Publisher) post(ctx context.Context, event domain.Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", event.ID)
	req.Header.Set("X-Event-Type", string(event.Type))
	req.Header.Set("X-Idempotency-Key", event.ID)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}

// Run forwards carts from updates until the channel closes or ctx is done.
// The first value a cart subscription yields is the restored cart, so it is
// announced as well.
func (p *Publisher) Run(ctx context.Context, updates <-chan domain.Cart) {
	for {
		select {
		case <-ctx.Done():
			return
		case cart, ok := <-updates:
			if !ok {
				return
			}
			event := NewCartEvent(cart)
			if err := p.Publish(ctx, event); err != nil {
				p.logger.Warn("cart webhook failed", zap.String("event_id", event.ID), zap.Error(err))
			}
		}
	}
}

func NewCartEvent(cart domain.Cart) domain.Event {
	return domain.Event{
		ID:        uuid.NewString(),
		Type:      domain.EventCartUpdated,
		Cart:      cart,
		Count:     cart.Count(),
		Total:     cart.Total().StringFixed(2),
		CreatedAt: time.Now().UTC(),
	}
}
