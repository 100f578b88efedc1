package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/drblury/pipeguard"
)

const envPrefix = "PIPEGUARD"

// configFlags are bound to viper under their mapstructure key, so they can
// also be set as PIPEGUARD_<KEY> or in the config file.
var configFlags = []string{
	"service-name", "pubsub-system",
	"kafka-brokers", "kafka-consumer-group",
	"rabbitmq-url",
	"nats-url", "jetstream-stream",
	"http-server-address", "http-publisher-url",
	"aws-region", "aws-account-id", "aws-access-key-id", "aws-secret-access-key", "aws-endpoint", "sqs-queue-prefix",
	"postgres-url",
	"max-concurrent-handlers", "handler-timeout",
	"max-deliveries", "redelivery-initial-interval", "redelivery-max-interval", "dead-letter-topic",
	"retry-max-retries", "retry-initial-interval", "retry-max-interval",
	"cache-poll-interval", "cache-load-timeout", "cache-load-deadline", "cache-ttl", "cache-max-entries",
	"health-port", "grpc-health-port", "metrics-enabled", "metrics-port",
}

func configKey(flagName string) string {
	return strings.ReplaceAll(flagName, "-", "_")
}

func newRootCommand(baseLogger *slog.Logger, level *slog.LevelVar) *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "pipeguard",
		Short:         "Run bounded, readiness-gated pipeline stages",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if level == nil {
				return nil
			}
			if err := level.UnmarshalText([]byte(v.GetString("log_level"))); err != nil {
				return fmt.Errorf("log level: %w", err)
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "path to a YAML, TOML or JSON config file")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	registerConfigFlags(flags)

	for _, name := range append([]string{"config", "log-level"}, configFlags...) {
		flag := flags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := v.BindPFlag(configKey(name), flag); err != nil {
			panic(err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd.AddCommand(newRunCommand(v, baseLogger))
	cmd.AddCommand(newConfigCommand(v))
	return cmd
}

func registerConfigFlags(flags *pflag.FlagSet) {
	flags.String("service-name", "pipeguard", "service name used in logs and metrics")
	flags.String("pubsub-system", "channel", "transport: channel, kafka, rabbitmq, nats, nats-jetstream, http or aws")

	flags.StringSlice("kafka-brokers", nil, "Kafka broker addresses")
	flags.String("kafka-consumer-group", "", "Kafka consumer group")
	flags.String("rabbitmq-url", "", "RabbitMQ AMQP URL")
	flags.String("nats-url", "", "NATS server URL")
	flags.String("jetstream-stream", "", "JetStream stream name")
	flags.String("http-server-address", "", "listen address of the HTTP subscriber")
	flags.String("http-publisher-url", "", "base URL the HTTP publisher posts to")

	flags.String("aws-region", "", "AWS region")
	flags.String("aws-account-id", "", "AWS account ID")
	flags.String("aws-access-key-id", "", "AWS access key ID")
	flags.String("aws-secret-access-key", "", "AWS secret access key")
	flags.String("aws-endpoint", "", "custom AWS endpoint, for example LocalStack")
	flags.String("sqs-queue-prefix", "", "prefix prepended to topic names for SQS queues")

	flags.String("postgres-url", "", "PostgreSQL DSN of the credentials database")

	flags.Int("max-concurrent-handlers", 0, "in-flight handler ceiling per stage (required)")
	flags.Duration("handler-timeout", 0, "handler timeout (0 uses the default)")
	flags.Int("max-deliveries", 0, "deliveries before dead-lettering (0 uses the default)")
	flags.Duration("redelivery-initial-interval", 0, "first redelivery delay")
	flags.Duration("redelivery-max-interval", 0, "maximum redelivery delay")
	flags.String("dead-letter-topic", "", "topic receiving dead-lettered messages")

	flags.Int("retry-max-retries", 0, "in-process retries before nacking (0 disables)")
	flags.Duration("retry-initial-interval", 0, "first in-process retry delay")
	flags.Duration("retry-max-interval", 0, "maximum in-process retry delay")

	flags.Duration("cache-poll-interval", 0, "how often cache waiters re-check an in-flight load")
	flags.Duration("cache-load-timeout", 0, "per-attempt cache load timeout")
	flags.Duration("cache-load-deadline", 0, "overall bound on waiting for a cache key")
	flags.Duration("cache-ttl", 0, "cache entry lifetime (0 keeps entries until evicted)")
	flags.Int("cache-max-entries", 0, "cache capacity")

	flags.Int("health-port", 0, "port of /healthz and /readyz (-1 disables)")
	flags.Int("grpc-health-port", 0, "port of the gRPC health service (0 disables)")
	flags.Bool("metrics-enabled", true, "collect Prometheus metrics")
	flags.Int("metrics-port", 0, "port of /metrics (0 serves nothing)")
}

// loadConfig merges flags, environment and the optional config file.
func loadConfig(v *viper.Viper) (pipeguard.Config, error) {
	var cfg pipeguard.Config
	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return cfg, fmt.Errorf("config file %q: %w", path, err)
		}
		if info.IsDir() {
			return cfg, fmt.Errorf("config file %q is a directory", path)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config file %q: %w", path, err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}
