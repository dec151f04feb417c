package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pesio-ai/be-doc-approvals/internal/approval"
	"github.com/pesio-ai/be-doc-approvals/internal/logger"
)

// eventPublisher is the part of jetstream.JetStream the publisher uses.
type eventPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NotificationPublisher publishes approval workflow events to NATS JetStream.
//
// Subject convention: <prefix>.<event_type>
//
// Publish failures are logged and never propagated, so a notification outage
// never interrupts an approval.
type NotificationPublisher struct {
	js     eventPublisher
	prefix string
	log    *logger.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string                 `json:"event_type"`
	ActorID      string                 `json:"actor_id"`
	Recipients   []string               `json:"recipients"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	IsActionable bool                   `json:"is_actionable,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	Category     string                 `json:"category,omitempty"`
	OccurredAt   time.Time              `json:"occurred_at"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher. A nil js disables publishing.
func NewNotificationPublisher(js jetstream.JetStream, subjectPrefix string, log *logger.Logger) *NotificationPublisher {
	p := &NotificationPublisher{prefix: subjectPrefix, log: log.Component("notifications")}
	if js != nil {
		p.js = js
	}
	return p
}

// ConnectJetStream dials NATS and makes sure a stream captures every subject
// under subjectPrefix.
func ConnectJetStream(ctx context.Context, url, stream, subjectPrefix string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("doc-approvals"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create jetstream context: %w", err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       stream,
		Subjects:   []string{subjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("ensure stream %s: %w", stream, err)
	}
	return nc, js, nil
}

// PublishApprovalEvent publishes one approval event.
// Subject: <prefix>.<eventType>
func (p *NotificationPublisher) PublishApprovalEvent(ctx context.Context, eventType, requestID, actorID string, recipients []string, payload map[string]interface{}) {
	if p.js == nil {
		return
	}
	if len(recipients) == 0 {
		return
	}

	event := &NotificationEvent{
		EventType:    eventType,
		ActorID:      actorID,
		Recipients:   recipients,
		ResourceType: "approval_request",
		ResourceID:   requestID,
		IsActionable: eventType == approval.EventRequestCreated || payload["next_approver"] != nil,
		Severity:     "info",
		Category:     "document_approval",
		OccurredAt:   time.Now().UTC(),
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, eventType)
	// Replayed syncs publish the same message id, which JetStream drops
	// inside the stream's duplicate window.
	msgID := fmt.Sprintf("%s:%s:%s:%v", eventType, requestID, actorID, payload["step_order"])
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID)); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("request_id", requestID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", requestID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
}
