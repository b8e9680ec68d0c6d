// Package pubsub publishes change events to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
	"github.com/JakeFAU/webpage-change-monitor/internal/notifier"
)

// Config names the topic change events are published to.
type Config struct {
	ProjectID string
	TopicID   string
	// VerifyTopic checks that the topic exists on startup.
	VerifyTopic bool
}

// Notifier publishes one JSON message per change event.
type Notifier struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger
}

// Open creates a Pub/Sub client and a handle on the configured topic.
func Open(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Notifier, error) {
	if cfg.ProjectID == "" || cfg.TopicID == "" {
		return nil, fmt.Errorf("pubsub notifier requires project_id and topic_id")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(cfg.TopicID)
	if cfg.VerifyTopic {
		exists, err := topic.Exists(ctx)
		if err == nil && !exists {
			err = fmt.Errorf("topic %q does not exist in project %q", cfg.TopicID, cfg.ProjectID)
		}
		if err != nil {
			if closeErr := client.Close(); closeErr != nil {
				logger.Warn("close pubsub client after topic check failed", zap.Error(closeErr))
			}
			return nil, fmt.Errorf("check pubsub topic: %w", err)
		}
	}
	return New(client, topic, logger), nil
}

// New wraps an existing client and topic.
func New(client *pubsub.Client, topic *pubsub.Topic, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{client: client, topic: topic, logger: logger}
}

// Notify marshals the change event and waits for the server to acknowledge it.
func (n *Notifier) Notify(ctx context.Context, target monitor.Target, snap monitor.Snapshot) error {
	if n.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	ev := notifier.NewEvent(target, snap)
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}

	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"target_id":   ev.TargetID,
			"resource_id": ev.ResourceID,
			"change_type": ev.ChangeType,
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Attributes))

	id, err := n.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	n.logger.Debug("change event published", zap.String("target_id", ev.TargetID), zap.String("message_id", id))
	return nil
}

// Close flushes pending messages and releases the client.
func (n *Notifier) Close() error {
	if n.topic != nil {
		n.topic.Stop()
	}
	if n.client == nil {
		return nil
	}
	if err := n.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
