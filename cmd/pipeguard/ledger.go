package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/drblury/pipeguard"
	"github.com/drblury/pipeguard/resources/postgres"
)

const ledgerService = "ledger"

// httpLedger posts transactions to the tenant's ledger API, or to a fixed
// downstream URL when one is configured.
type httpLedger struct {
	client  *http.Client
	baseURL string
}

func newHTTPLedger(baseURL string, timeout time.Duration) *httpLedger {
	return &httpLedger{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type ledgerResponse struct {
	Reference string `json:"reference"`
}

func (l *httpLedger) Submit(ctx context.Context, creds postgres.Credentials, req *TransactionRequest) (string, error) {
	base := l.baseURL
	if base == "" {
		base = strings.TrimRight(creds.BaseURL, "/")
	}
	if base == "" {
		return "", pipeguard.ErrDeadLetterWithReason("no ledger endpoint", fmt.Errorf("tenant %q has no base url", req.Tenant))
	}

	body, err := pipeguard.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", pipeguard.ErrUnprocessable, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/transactions", bytes.NewReader(body))
	if err != nil {
		return "", pipeguard.ErrDeadLetterWithReason("invalid ledger endpoint", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.EventID)
	httpReq.SetBasicAuth(creds.ClientID, creds.ClientSecret)

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return "", pipeguard.NewDownstreamError(ledgerService, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", pipeguard.NewDownstreamError(ledgerService, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", pipeguard.NewDownstreamError(ledgerService, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return "", pipeguard.ErrDeadLetterWithReason("rejected by ledger", fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(payload)))
	}

	var out ledgerResponse
	if err := pipeguard.Unmarshal(payload, &out); err != nil || out.Reference == "" {
		return "", pipeguard.NewDownstreamError(ledgerService, fmt.Errorf("malformed ledger response: %q", payload))
	}
	return out.Reference, nil
}

// simulatedLedger accepts every request. It backs local runs.
type simulatedLedger struct{}

func (simulatedLedger) Submit(context.Context, postgres.Credentials, *TransactionRequest) (string, error) {
	return "sim-" + pipeguard.NewULID(), nil
}
