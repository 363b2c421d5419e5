// Package crm forwards leads to an external CRM webhook.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"leadflow/internal/domain"
)

type Config struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// Lead is the JSON document posted to the webhook.
type Lead struct {
	TaskID  string `json:"task_id"`
	UserID  int64  `json:"user_id"`
	Name    string `json:"name"`
	Contact string `json:"contact,omitempty"`
	Source  string `json:"source,omitempty"`
	GuideID string `json:"guide_id,omitempty"`
}

type Forwarder struct {
	url    string
	token  string
	client *http.Client
	log    zerolog.Logger
}

func NewForwarder(cfg Config, log zerolog.Logger) *Forwarder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Forwarder{
		url:    cfg.URL,
		token:  cfg.Token,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

// Handle posts the lead. Client errors other than 408 and 429 will not get
// better on retry and are returned as permanent.
func (f *Forwarder) Handle(ctx context.Context, t domain.Task, p domain.LeadForwardPayload) error {
	if f.url == "" {
		return domain.Permanent(errors.New("CRM webhook URL is not configured"))
	}
	if p.UserID == 0 {
		p.UserID = t.UserID
	}
	body, err := json.Marshal(Lead{
		TaskID:  t.ID,
		UserID:  p.UserID,
		Name:    p.Name,
		Contact: p.Contact,
		Source:  p.Source,
		GuideID: p.GuideID,
	})
	if err != nil {
		return fmt.Errorf("encode lead: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return domain.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", t.ID)
	req.Header.Set("X-Lead-Attempt", strconv.Itoa(t.Attempts))
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		err := fmt.Errorf("HTTP %d error: %s", resp.StatusCode, bytes.TrimSpace(respBody))
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return domain.Permanent(err)
		}
		return err
	}

	f.log.Info().Str("task_id", t.ID).Int64("user_id", p.UserID).Int("status", resp.StatusCode).Msg("lead forwarded")
	return nil
}
