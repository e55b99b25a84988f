package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/fathima-sithara/messaging-core/internal/domain"
)

const batchPath = "/v1/users/batch"

type HTTPOptions struct {
	Timeout     time.Duration
	MaxFailures uint32
	OpenFor     time.Duration
}

// HTTPDirectory calls the user service's batch endpoint. Calls are retried
// with exponential backoff and guarded by a circuit breaker so a sick user
// service cannot stall message delivery.
type HTTPDirectory struct {
	resolver Resolver
	http     *http.Client
	cb       *gobreaker.CircuitBreaker
	timeout  time.Duration
	log      *zap.Logger
}

func NewHTTPDirectory(resolver Resolver, opts HTTPOptions, logger *zap.Logger) *HTTPDirectory {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 5
	}
	tr := &http.Transport{
		DialContext:     (&net.Dialer{Timeout: opts.Timeout}).DialContext,
		MaxIdleConns:    32,
		IdleConnTimeout: 90 * time.Second,
	}
	st := gobreaker.Settings{
		Name:        "user-directory",
		MaxRequests: 1,
		Timeout:     opts.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &HTTPDirectory{
		resolver: resolver,
		http:     &http.Client{Transport: tr, Timeout: opts.Timeout},
		cb:       gobreaker.NewCircuitBreaker(st),
		timeout:  opts.Timeout,
		log:      logger,
	}
}

type batchRequest struct {
	IDs []string `json:"ids"`
}

type batchResponse struct {
	Users []domain.Profile `json:"users"`
}

func (d *HTTPDirectory) Profiles(ctx context.Context, ids []string) (map[string]domain.Profile, error) {
	ids = unique(ids)
	out := make(map[string]domain.Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	res, err := d.cb.Execute(func() (interface{}, error) {
		return d.fetchWithRetry(ctx, ids)
	})
	if err != nil {
		return nil, fmt.Errorf("user directory: %w", err)
	}
	for _, p := range res.([]domain.Profile) {
		if p.ID != "" {
			out[p.ID] = p
		}
	}
	return out, nil
}

func (d *HTTPDirectory) fetchWithRetry(ctx context.Context, ids []string) ([]domain.Profile, error) {
	body, err := json.Marshal(batchRequest{IDs: ids})
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	var users []domain.Profile
	operation := func() error {
		base, err := d.resolver.BaseURL()
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+batchPath, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			_, _ = io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("upstream status %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("upstream status %d", resp.StatusCode))
		}

		var br batchResponse
		if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
			return backoff.Permanent(fmt.Errorf("decode users: %w", err))
		}
		users = br.Users
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = d.timeout
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return users, nil
}
