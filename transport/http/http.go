// Package http provides an HTTP transport. Publishing POSTs each message to
// the configured base URL plus the topic; consuming exposes one POST route
// per topic on the subscriber's server.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/pipeguard/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

// ServerStarter starts the subscriber's HTTP server. It blocks until the
// server stops.
var ServerStarter = func(sub message.Subscriber) error {
	s, ok := sub.(*http.Subscriber)
	if !ok {
		return nil
	}
	return s.StartHTTPServer()
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates a new HTTP transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	serverAddr := cfg.GetHTTPServerAddress()
	publisherURL := cfg.GetHTTPPublisherURL()
	if serverAddr == "" && publisherURL == "" {
		return transport.Transport{}, errors.New("http: server address or publisher url is required")
	}

	var tr transport.Transport
	if publisherURL != "" {
		publisher, err := PublisherFactory(
			http.PublisherConfig{
				MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
					return http.DefaultMarshalMessageFunc(publisherURL+topic, msg)
				},
			},
			logger,
		)
		if err != nil {
			return transport.Transport{}, err
		}
		tr.Publisher = publisher
	}

	if serverAddr != "" {
		subscriber, err := SubscriberFactory(
			serverAddr,
			http.SubscriberConfig{
				UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
			},
			logger,
		)
		if err != nil {
			if tr.Publisher != nil {
				_ = tr.Publisher.Close()
			}
			return transport.Transport{}, err
		}
		tr.Subscriber = subscriber
		tr.Sources = routeSources(subscriber, logger)
	}

	logger.Info("Created HTTP transport", watermill.LogFields{
		"server_addr":   serverAddr,
		"publisher_url": publisherURL,
	})
	return tr, nil
}

// routeSources registers a single route per topic regardless of prefetch,
// since a second registration on the same path replaces the first. The
// server starts once the first route exists.
func routeSources(sub message.Subscriber, logger watermill.LoggerAdapter) transport.SourceFactory {
	var once sync.Once
	return func(ctx context.Context, topic string, _ int) (transport.Source, error) {
		src, err := transport.NewSubscriberSource(ctx, sub, topic, 1)
		if err != nil {
			return nil, err
		}
		once.Do(func() {
			go func() {
				if err := ServerStarter(sub); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
					logger.Error("HTTP subscriber server stopped", err, nil)
				}
			}()
		})
		return src, nil
	}
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}
