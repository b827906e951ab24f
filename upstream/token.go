// Package upstream talks to the terminal provider's API: credential exchange
// and the long-poll telemetry stream.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/c360/satbridge/errors"
)

// TokenSource supplies bearer credentials and accepts notice that the last one was rejected.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// TokenProvider exchanges client credentials for a bearer token and caches it
// until invalidated. Expiry is never tracked; a rejected call is the only
// signal that a new exchange is needed.
type TokenProvider struct {
	cfg        clientcredentials.Config
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.Mutex
	token string

	exchanges atomic.Int64
}

// NewTokenProvider creates a provider for the given token endpoint.
func NewTokenProvider(clientID, clientSecret, tokenURL string, httpClient *http.Client, logger *slog.Logger) *TokenProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenProvider{
		cfg: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		httpClient: httpClient,
		logger:     logger.With("component", "token-provider"),
	}
}

// Token returns the cached token, exchanging credentials on first use or after Invalidate.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" {
		return p.token, nil
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	tok, err := p.cfg.Token(ctx)
	if err != nil {
		return "", classifyExchangeError(err)
	}
	if tok.AccessToken == "" {
		return "", errors.WrapFatal(
			fmt.Errorf("%w: empty access token", errors.ErrAuthFailure),
			"TokenProvider", "Token", "exchange credentials")
	}

	p.token = tok.AccessToken
	n := p.exchanges.Add(1)
	p.logger.Debug("Obtained access token", "exchanges", n)

	return p.token, nil
}

// Invalidate drops the cached token so the next Token call performs a new exchange.
func (p *TokenProvider) Invalidate() {
	p.mu.Lock()
	p.token = ""
	p.mu.Unlock()
	p.logger.Debug("Access token invalidated")
}

// Exchanges returns how many credential exchanges have succeeded.
func (p *TokenProvider) Exchanges() int64 {
	return p.exchanges.Load()
}

// classifyExchangeError keeps 5xx and network failures transient; a rejected
// credential is an authentication failure.
func classifyExchangeError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		status := re.Response.StatusCode
		cause := &errors.HTTPStatusError{StatusCode: status, Body: string(re.Body)}
		if errors.ClassifyHTTPStatus(status) == errors.ErrorTransient {
			return errors.WrapTransient(
				fmt.Errorf("%w: %w", errors.ErrUpstreamUnavailable, cause),
				"TokenProvider", "Token", "exchange credentials")
		}
		return errors.WrapFatal(
			fmt.Errorf("%w: %w", errors.ErrAuthFailure, cause),
			"TokenProvider", "Token", "exchange credentials")
	}
	return errors.WrapTransient(
		fmt.Errorf("%w: %w", errors.ErrUpstreamUnavailable, err),
		"TokenProvider", "Token", "exchange credentials")
}
