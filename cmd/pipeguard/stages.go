package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/pipeguard"
	"github.com/drblury/pipeguard/resources/postgres"
)

// Topics connecting the demo stages.
const (
	TopicWebhooks     = "webhooks.received"
	TopicEvents       = "events.validated"
	TopicTransactions = "transactions.requested"
	TopicSubmitted    = "transactions.submitted"
)

const (
	StageIngress   = "ingress"
	StageProcessor = "processor"
	StageFacade    = "facade"
	StageReceiver  = "receiver"
)

// WebhookEvent is what a tenant posts to the ingress topic.
type WebhookEvent struct {
	ID       string `json:"id"`
	Tenant   string `json:"tenant"`
	Type     string `json:"type"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// TransactionRequest is a validated event enriched with the tenant's
// public credential details. Secrets never travel on the bus.
type TransactionRequest struct {
	EventID  string `json:"event_id"`
	Tenant   string `json:"tenant"`
	Type     string `json:"type"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	ClientID string `json:"client_id"`
	BaseURL  string `json:"base_url,omitempty"`
}

// TransactionReceipt records a request accepted by the ledger.
type TransactionReceipt struct {
	EventID     string    `json:"event_id"`
	Tenant      string    `json:"tenant"`
	Reference   string    `json:"reference"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Ledger submits transactions downstream and returns the ledger reference.
type Ledger interface {
	Submit(ctx context.Context, creds postgres.Credentials, req *TransactionRequest) (string, error)
}

// ReceiptStore persists receipts handled by the terminal stage.
type ReceiptStore interface {
	StoreReceipt(ctx context.Context, receipt *TransactionReceipt) error
}

type pipeline struct {
	svc      *pipeguard.Service
	creds    *pipeguard.Cache[postgres.Credentials]
	loader   pipeguard.CacheLoader[postgres.Credentials]
	ledger   Ledger
	receipts ReceiptStore
	now      func() time.Time
}

var stageBuilders = map[string]func(*pipeline) error{
	StageIngress:   (*pipeline).registerIngress,
	StageProcessor: (*pipeline).registerProcessor,
	StageFacade:    (*pipeline).registerFacade,
	StageReceiver:  (*pipeline).registerReceiver,
}

func stageNames() []string {
	return []string{StageIngress, StageProcessor, StageFacade, StageReceiver}
}

func (p *pipeline) register(names []string) error {
	if len(names) == 0 {
		return errors.New("at least one stage is required")
	}
	for _, name := range names {
		build, ok := stageBuilders[name]
		if !ok {
			return fmt.Errorf("unknown stage %q (want one of %s)", name, strings.Join(stageNames(), ", "))
		}
		if err := build(p); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	return nil
}

func (p *pipeline) registerIngress() error {
	return pipeguard.RegisterJSONStage(p.svc, pipeguard.JSONStageRegistration[*WebhookEvent, *WebhookEvent]{
		StageRegistration: pipeguard.StageRegistration{
			Name:         StageIngress,
			ConsumeTopic: TopicWebhooks,
			PublishTopic: TopicEvents,
		},
		JSONHandler: p.validate,
	})
}

func (p *pipeline) registerProcessor() error {
	return pipeguard.RegisterJSONStage(p.svc, pipeguard.JSONStageRegistration[*WebhookEvent, *TransactionRequest]{
		StageRegistration: pipeguard.StageRegistration{
			Name:         StageProcessor,
			ConsumeTopic: TopicEvents,
			PublishTopic: TopicTransactions,
		},
		JSONHandler: p.enrich,
	})
}

func (p *pipeline) registerFacade() error {
	return pipeguard.RegisterJSONStage(p.svc, pipeguard.JSONStageRegistration[*TransactionRequest, *TransactionReceipt]{
		StageRegistration: pipeguard.StageRegistration{
			Name:         StageFacade,
			ConsumeTopic: TopicTransactions,
			PublishTopic: TopicSubmitted,
		},
		JSONHandler: p.submit,
	})
}

func (p *pipeline) registerReceiver() error {
	return pipeguard.RegisterJSONStage(p.svc, pipeguard.JSONStageRegistration[*TransactionReceipt, *TransactionReceipt]{
		StageRegistration: pipeguard.StageRegistration{
			Name:         StageReceiver,
			ConsumeTopic: TopicSubmitted,
			Sink:         pipeguard.SinkFunc(p.storeReceipts),
		},
		JSONHandler: func(_ context.Context, evt pipeguard.JSONMessageContext[*TransactionReceipt]) ([]pipeguard.JSONMessageOutput[*TransactionReceipt], error) {
			return []pipeguard.JSONMessageOutput[*TransactionReceipt]{{Message: evt.Payload}}, nil
		},
	})
}

func (p *pipeline) validate(_ context.Context, evt pipeguard.JSONMessageContext[*WebhookEvent]) ([]pipeguard.JSONMessageOutput[*WebhookEvent], error) {
	in := evt.Payload
	switch {
	case in.ID == "":
		return nil, fmt.Errorf("%w: event id is required", pipeguard.ErrUnprocessable)
	case in.Tenant == "":
		return nil, fmt.Errorf("%w: event %s has no tenant", pipeguard.ErrUnprocessable, in.ID)
	case in.Amount <= 0:
		return nil, fmt.Errorf("%w: event %s has amount %d", pipeguard.ErrUnprocessable, in.ID, in.Amount)
	}

	out := *in
	out.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if out.Currency == "" {
		out.Currency = "EUR"
	}
	md := evt.CloneMetadata()
	if evt.CorrelationID() == "" {
		md[pipeguard.MetadataKeyCorrelationID] = in.ID
	}
	return []pipeguard.JSONMessageOutput[*WebhookEvent]{{Message: &out, Metadata: md}}, nil
}

func (p *pipeline) enrich(ctx context.Context, evt pipeguard.JSONMessageContext[*WebhookEvent]) ([]pipeguard.JSONMessageOutput[*TransactionRequest], error) {
	in := evt.Payload
	creds, err := p.credentials(ctx, in.Tenant)
	if err != nil {
		return nil, err
	}
	return []pipeguard.JSONMessageOutput[*TransactionRequest]{{Message: &TransactionRequest{
		EventID:  in.ID,
		Tenant:   in.Tenant,
		Type:     in.Type,
		Amount:   in.Amount,
		Currency: in.Currency,
		ClientID: creds.ClientID,
		BaseURL:  creds.BaseURL,
	}}}, nil
}

func (p *pipeline) submit(ctx context.Context, evt pipeguard.JSONMessageContext[*TransactionRequest]) ([]pipeguard.JSONMessageOutput[*TransactionReceipt], error) {
	req := evt.Payload
	creds, err := p.credentials(ctx, req.Tenant)
	if err != nil {
		return nil, err
	}
	ref, err := p.ledger.Submit(ctx, creds, req)
	if err != nil {
		evt.Logger.Error("Ledger submission failed", err, pipeguard.LogFields{
			"tenant":  req.Tenant,
			"attempt": evt.Attempt,
		})
		return nil, err
	}
	return []pipeguard.JSONMessageOutput[*TransactionReceipt]{{Message: &TransactionReceipt{
		EventID:     req.EventID,
		Tenant:      req.Tenant,
		Reference:   ref,
		SubmittedAt: p.now().UTC(),
	}}}, nil
}

func (p *pipeline) storeReceipts(ctx context.Context, msgs ...*message.Message) error {
	for _, msg := range msgs {
		var receipt TransactionReceipt
		if err := pipeguard.Unmarshal(msg.Payload, &receipt); err != nil {
			return fmt.Errorf("%w: decode receipt: %v", pipeguard.ErrUnprocessable, err)
		}
		if err := p.receipts.StoreReceipt(ctx, &receipt); err != nil {
			return err
		}
	}
	return nil
}

// credentials resolves a tenant through the shared cache. Unknown tenants
// are unprocessable; anything else is left to redelivery.
func (p *pipeline) credentials(ctx context.Context, tenant string) (postgres.Credentials, error) {
	creds, err := p.creds.GetOrLoad(ctx, tenant, p.loader, 0)
	if errors.Is(err, postgres.ErrCredentialsNotFound) {
		return creds, fmt.Errorf("%w: tenant %q: %v", pipeguard.ErrUnprocessable, tenant, err)
	}
	return creds, err
}

// staticCredentials serves every tenant without a database. It backs local
// runs on the channel transport.
func staticCredentials(_ context.Context, tenant string) (postgres.Credentials, error) {
	return postgres.Credentials{Tenant: tenant, ClientID: tenant}, nil
}

type logReceipts struct {
	logger pipeguard.ServiceLogger
}

func (l logReceipts) StoreReceipt(_ context.Context, r *TransactionReceipt) error {
	l.logger.Info("Transaction submitted", pipeguard.LogFields{
		"event_id":  r.EventID,
		"tenant":    r.Tenant,
		"reference": r.Reference,
	})
	return nil
}

const insertReceipt = `INSERT INTO transaction_receipts (event_id, tenant, reference, submitted_at)
VALUES ($1, $2, $3, $4) ON CONFLICT (event_id) DO NOTHING`

// sqlReceipts stores receipts idempotently keyed by event ID, so a
// redelivered receipt is a no-op.
type sqlReceipts struct {
	db *sql.DB
}

func (s sqlReceipts) StoreReceipt(ctx context.Context, r *TransactionReceipt) error {
	if _, err := s.db.ExecContext(ctx, insertReceipt, r.EventID, r.Tenant, r.Reference, r.SubmittedAt); err != nil {
		return fmt.Errorf("store receipt %s: %w", r.EventID, err)
	}
	return nil
}
