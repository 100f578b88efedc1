package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/drblury/pipeguard"
)

func newConfigCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and generate pipeguard configuration",
	}
	cmd.AddCommand(newConfigShowCommand(v))
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigShowCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			resolved := cfg.WithDefaults()
			fmt.Fprintln(cmd.OutOrStdout(), resolved.String())
			if err := pipeguard.ValidateConfig(&resolved); err != nil {
				return err
			}
			return nil
		},
	}
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Write a starter YAML configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if outPath == "" {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", outPath)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write %s: %w", outPath, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (default stdout)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// defaultConfigYAML renders the defaulted config keyed by the same names
// loadConfig reads.
func defaultConfigYAML() ([]byte, error) {
	cfg := pipeguard.Config{
		ServiceName:           "pipeguard",
		MaxConcurrentHandlers: 8,
		DeadLetterTopic:       "pipeguard.dead_letter",
		MetricsEnabled:        true,
		MetricsPort:           9090,
	}.WithDefaults()

	doc := map[string]any{
		"service_name":                cfg.ServiceName,
		"pubsub_system":               cfg.PubSubSystem,
		"kafka_brokers":               []string{},
		"nats_url":                    "",
		"rabbitmq_url":                "",
		"postgres_url":                "",
		"max_concurrent_handlers":     cfg.MaxConcurrentHandlers,
		"handler_timeout":             cfg.HandlerTimeout.String(),
		"max_deliveries":              cfg.MaxDeliveries,
		"redelivery_initial_interval": cfg.RedeliveryInitialInterval.String(),
		"redelivery_max_interval":     cfg.RedeliveryMaxInterval.String(),
		"dead_letter_topic":           cfg.DeadLetterTopic,
		"cache_poll_interval":         cfg.CachePollInterval.String(),
		"cache_load_timeout":          cfg.CacheLoadTimeout.String(),
		"cache_load_deadline":         cfg.CacheLoadDeadline.String(),
		"cache_max_entries":           cfg.CacheMaxEntries,
		"health_port":                 cfg.HealthPort,
		"metrics_enabled":             cfg.MetricsEnabled,
		"metrics_port":                cfg.MetricsPort,
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}
