package core

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DecisionBus publishes finalized decisions to NATS JetStream so downstream
// analytics and reporting consumers can subscribe without touching the
// engine. Publishing is best-effort: bus failures never gate a decision.
type DecisionBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	logger zerolog.Logger

	mu        sync.Mutex
	published int64
	failed    int64
}

// NewDecisionBus connects to NATS (optionally starting an embedded server)
// and ensures the decisions stream exists.
func NewDecisionBus(cfg *BusConfig, logger zerolog.Logger) (*DecisionBus, error) {
	bus := &DecisionBus{
		logger: logger.With().Str("component", "decision_bus").Logger(),
	}

	if cfg.Embedded {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating NATS data dir: %w", err)
		}

		opts := &server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}

		ns.Start()

		if !ns.ReadyForConnections(10 * time.Second) {
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}

		bus.ns = ns
		bus.logger.Info().Int("port", cfg.Port).Msg("embedded NATS server started")
	}

	url := cfg.URL
	if cfg.Embedded {
		url = fmt.Sprintf("nats://127.0.0.1:%d", cfg.Port)
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				bus.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			bus.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	bus.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	bus.js = js

	streamCfg := &nats.StreamConfig{
		Name:      "BLACKWALL_DECISIONS",
		Subjects:  []string{"blackwall.decisions.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour * 30,
		MaxBytes:  512 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	}
	if _, err := js.AddStream(streamCfg); err != nil {
		// Stream may exist with a different config from a previous version.
		if _, updateErr := js.UpdateStream(streamCfg); updateErr != nil {
			return nil, fmt.Errorf("creating/updating decisions stream: %w (original: %v)", updateErr, err)
		}
	}

	bus.logger.Info().Str("url", url).Msg("connected to NATS JetStream")
	return bus, nil
}

// PublishDecision publishes an audit entry to blackwall.decisions.<action>.
func (b *DecisionBus) PublishDecision(entry *AuditEntry) error {
	data, err := entry.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}

	subject := fmt.Sprintf("blackwall.decisions.%s", strings.ToLower(entry.Decision.Action.String()))
	if _, err := b.js.Publish(subject, data); err != nil {
		b.mu.Lock()
		b.failed++
		b.mu.Unlock()
		return fmt.Errorf("publishing decision to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.published++
	b.mu.Unlock()

	b.logger.Debug().
		Str("decision_id", entry.Decision.ID).
		Str("subject", subject).
		Str("action", entry.Decision.Action.String()).
		Msg("decision published")

	return nil
}

// SubscribeDecisions creates a durable subscription for downstream consumers.
func (b *DecisionBus) SubscribeDecisions(durableName string, handler func(entry *AuditEntry)) error {
	opts := []nats.SubOpt{nats.DeliverNew(), nats.AckExplicit()}
	if durableName != "" {
		opts = append(opts, nats.Durable(durableName))
	}
	sub, err := b.js.Subscribe("blackwall.decisions.>", func(msg *nats.Msg) {
		entry, err := UnmarshalAuditEntry(msg.Data)
		if err != nil {
			b.logger.Error().Err(err).Msg("failed to unmarshal decision")
			_ = msg.Nak()
			return
		}
		handler(entry)
		_ = msg.Ack()
	}, opts...)
	if err != nil {
		return fmt.Errorf("subscribing to decisions: %w", err)
	}
	_ = sub
	return nil
}

// Stats returns bus publish counters.
func (b *DecisionBus) Stats() map[string]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]int64{
		"published": b.published,
		"failed":    b.failed,
	}
}

// IsConnected returns true if the NATS connection is active.
func (b *DecisionBus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// Close shuts down the bus and any embedded server.
func (b *DecisionBus) Close() error {
	if b.nc != nil {
		b.nc.Close()
	}
	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
		b.logger.Info().Msg("embedded NATS server stopped")
	}
	return nil
}
