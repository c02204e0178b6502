package querylog

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/bull/medassist/internal/domain"
)

// DefaultSubject is the NATS subject query log entries are published on.
const DefaultSubject = "medassist.query_log"

// headerCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type headerCarrier nats.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *headerCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *headerCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// NATSSink publishes entries as JSON for downstream consumers (analytics,
// audit). Trace context from ctx is injected into the message headers.
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

// NewNATSSink creates a sink on an established connection.
func NewNATSSink(nc *nats.Conn, subject string) *NATSSink {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSink{nc: nc, subject: subject}
}

// AppendQueryLog publishes entry.
func (s *NATSSink) AppendQueryLog(ctx context.Context, entry domain.QueryLogEntry) error {
	msg, err := newMessage(ctx, s.subject, entry)
	if err != nil {
		return err
	}
	return s.nc.PublishMsg(msg)
}

func newMessage(ctx context.Context, subject string, entry domain.QueryLogEntry) (*nats.Msg, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))
	return msg, nil
}

// Subscribe delivers published entries to handler with the trace context
// extracted from the message headers. Malformed messages are dropped.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, domain.QueryLogEntry)) (*nats.Subscription, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var entry domain.QueryLogEntry
		if err := json.Unmarshal(msg.Data, &entry); err != nil {
			return
		}
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*headerCarrier)(msg))
		handler(ctx, entry)
	})
}
