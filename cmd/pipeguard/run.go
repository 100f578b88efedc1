package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/drblury/pipeguard"
	"github.com/drblury/pipeguard/resources/postgres"
	_ "github.com/drblury/pipeguard/transport/transports"
)

const credentialsCache = "tenant_credentials"

type runOptions struct {
	Stages        []string
	DownstreamURL string
	// WarmTenants are loaded into the credentials cache before the
	// service reports ready.
	WarmTenants []string

	// Overrides for tests. Nil fields are derived from the config.
	Loader   pipeguard.CacheLoader[postgres.Credentials]
	Ledger   Ledger
	Receipts ReceiptStore
	Deps     pipeguard.ServiceDependencies
}

func newRunCommand(v *viper.Viper, baseLogger *slog.Logger) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one or more pipeline stages until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			logger := pipeguard.NewSlogServiceLogger(baseLogger.With("service", cfg.ServiceName))
			return runPipeline(cmd.Context(), cfg, opts, logger)
		},
	}
	cmd.Flags().StringSliceVar(&opts.Stages, "stage", stageNames(), "stages to run in this process")
	cmd.Flags().StringVar(&opts.DownstreamURL, "downstream-url", "", "ledger base URL; empty uses each tenant's base URL, or a simulated ledger without postgres")
	cmd.Flags().StringSliceVar(&opts.WarmTenants, "warm-tenants", nil, "tenants whose credentials must be cached before the service is ready")
	return cmd
}

// runPipeline builds the service and blocks until ctx is cancelled.
func runPipeline(ctx context.Context, cfg pipeguard.Config, opts runOptions, logger pipeguard.ServiceLogger) error {
	svc, cleanup, err := buildPipeline(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := svc.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildPipeline wires the service, the credential cache and the selected
// stages. The returned cleanup closes the transport and the database.
func buildPipeline(ctx context.Context, cfg pipeguard.Config, opts runOptions, logger pipeguard.ServiceLogger) (*pipeguard.Service, func(), error) {
	var (
		pool    *postgres.Pool
		closers []func() error
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Error("Cleanup failed", err, nil)
			}
		}
	}

	p := &pipeline{
		loader:   opts.Loader,
		ledger:   opts.Ledger,
		receipts: opts.Receipts,
		now:      time.Now,
	}

	deps := opts.Deps
	if cfg.PostgresURL != "" {
		opened, err := postgres.Open(postgres.Config{DSN: cfg.PostgresURL}, logger)
		if err != nil {
			return nil, nil, err
		}
		pool = opened
		closers = append(closers, pool.Close)
		deps.Resources = append(deps.Resources, pool)
	}
	if len(opts.WarmTenants) > 0 {
		// Warm runs from Start, after p.creds and p.loader are set.
		deps.Resources = append(deps.Resources, pipeguard.ResourceFunc(credentialsCache, func(ctx context.Context) error {
			return pipeguard.CacheWarmer(credentialsCache, p.creds, p.loader, opts.WarmTenants...).Warm(ctx)
		}))
	}
	if err := checkMandatoryResources(cfg.MandatoryResources, deps.Resources); err != nil {
		cleanup()
		return nil, nil, err
	}

	svc, err := pipeguard.NewService(&cfg, logger, ctx, deps)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	closers = append(closers, svc.Close)

	creds, err := pipeguard.NewCache[postgres.Credentials](svc, credentialsCache)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("credentials cache: %w", err)
	}

	p.svc = svc
	p.creds = creds
	if p.loader == nil {
		p.loader = staticCredentials
		if pool != nil {
			p.loader = pool.LoadCredentials
		}
	}
	if p.ledger == nil {
		p.ledger = simulatedLedger{}
		if opts.DownstreamURL != "" || pool != nil {
			p.ledger = newHTTPLedger(opts.DownstreamURL, svc.Conf.HandlerTimeout)
		}
	}
	if p.receipts == nil {
		p.receipts = logReceipts{logger: logger}
		if pool != nil {
			p.receipts = sqlReceipts{db: pool.DB()}
		}
	}

	if err := p.register(opts.Stages); err != nil {
		cleanup()
		return nil, nil, err
	}
	return svc, cleanup, nil
}

// checkMandatoryResources rejects gate names that no resource of this
// process warms. The gate would never open for them.
func checkMandatoryResources(names []string, resources []pipeguard.Resource) error {
	warmed := make(map[string]bool, len(resources))
	for _, res := range resources {
		warmed[res.Name()] = true
	}
	for _, name := range names {
		if !warmed[name] {
			return fmt.Errorf("mandatory resource %q is never warmed (%s needs --postgres-url, %s needs --warm-tenants)",
				name, postgres.ResourceName, credentialsCache)
		}
	}
	return nil
}
