package notification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rabbitmq/amqp091-go"

	"github.com/pulsepay/pulsepay/internal/logging"
)

type recordingChannel struct {
	declares  int
	published []amqp091.Publishing
	keys      []string
	err       error
}

func (c *recordingChannel) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp091.Table) error {
	c.declares++
	return nil
}

func (c *recordingChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp091.Publishing) error {
	if c.err != nil {
		return c.err
	}
	c.keys = append(c.keys, key)
	c.published = append(c.published, msg)
	return nil
}

func (c *recordingChannel) Close() error { return nil }

func TestAMQPNotifierPublishesByKind(t *testing.T) {
	ch := &recordingChannel{}
	n := NewAMQPNotifier(ch, "", logging.Discard())

	for _, kind := range []string{KindSessionStarted, KindSessionEnded} {
		if err := n.Send(context.Background(), Message{Kind: kind, SessionID: "s-1"}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if ch.declares != 1 {
		t.Fatalf("exchange should be declared once, got %d", ch.declares)
	}
	if ch.keys[1] != KindSessionEnded {
		t.Fatalf("unexpected routing key %q", ch.keys[1])
	}
	var decoded Message
	if err := json.Unmarshal(ch.published[0].Body, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.SessionID != "s-1" || decoded.OccurredAt.IsZero() {
		t.Fatalf("unexpected body %+v", decoded)
	}
}

func TestAMQPNotifierReturnsPublishError(t *testing.T) {
	ch := &recordingChannel{err: errors.New("channel closed")}
	n := NewAMQPNotifier(ch, "events", logging.Discard())

	if err := n.Send(context.Background(), Message{Kind: KindRailDivergence}); err == nil {
		t.Fatalf("expected publish error")
	}
}

func TestMultiSendsToAll(t *testing.T) {
	a, b := &recordingChannel{}, &recordingChannel{}
	m := Multi{NewAMQPNotifier(a, "", nil), nil, NewAMQPNotifier(b, "", nil)}
	if err := m.Send(context.Background(), Message{Kind: KindSessionStarted}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(a.published) != 1 || len(b.published) != 1 {
		t.Fatalf("expected fan-out to both channels")
	}
}
