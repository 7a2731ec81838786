// Package metrics fetches the observation snapshot the engine orients on.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"evoline/internal/config"
	"evoline/internal/domain"
)

// HTTPSource pulls one Observation from the metrics endpoint, typically the
// monitored application's own telemetry export.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

func NewHTTPSource(cfg *config.Config) *HTTPSource {
	timeout := time.Duration(cfg.Observe.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{
		URL:    cfg.Observe.MetricsURL,
		Client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) Observe(ctx context.Context) (domain.Observation, error) {
	var obs domain.Observation
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		resp, err := s.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("metrics source: status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("metrics source: status %d", resp.StatusCode))
		}
		if err := json.Unmarshal(data, &obs); err != nil {
			return backoff.Permanent(fmt.Errorf("decode observation: %w", err))
		}
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return domain.Observation{}, err
	}
	if err := validate(obs); err != nil {
		return domain.Observation{}, err
	}
	return obs, nil
}

// Static returns a fixed observation; used for tests and offline dry runs.
type Static struct {
	Observation domain.Observation
	Err         error
}

func (s Static) Observe(context.Context) (domain.Observation, error) {
	if s.Err != nil {
		return domain.Observation{}, s.Err
	}
	return s.Observation, nil
}

func validate(obs domain.Observation) error {
	if obs.MessageVolume < 0 || obs.UserCount < 0 || obs.ErrorCount < 0 {
		return fmt.Errorf("observation counts must not be negative")
	}
	for name, v := range map[string]float64{
		"confusion":    obs.Feelings.Confusion,
		"concern":      obs.Feelings.Concern,
		"fatigue":      obs.Feelings.Fatigue,
		"satisfaction": obs.Feelings.Satisfaction,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("feeling %s out of range: %v", name, v)
		}
	}
	if obs.AverageSentiment < -1 || obs.AverageSentiment > 1 {
		return fmt.Errorf("average_sentiment out of range: %v", obs.AverageSentiment)
	}
	return nil
}
