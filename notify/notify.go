// Package notify delivers outbox messages to the notification service.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

const (
	// DefaultSubjectPrefix is prepended to the event kind to build the NATS subject.
	DefaultSubjectPrefix = "vendorflow.notify"
	// PartyHeader carries the recipient user id on every published message.
	PartyHeader = "Vendorflow-Party"
)

// NATSNotifier publishes each notification as a core NATS message on
// "<prefix>.<kind>". Delivery is fire-and-forget from the engine's side.
type NATSNotifier struct {
	conn   *nats.Conn
	prefix string
}

// DialNATS connects to url and returns a notifier bound to that connection.
func DialNATS(url string, opts ...nats.Option) (*NATSNotifier, error) {
	opts = append([]nats.Option{nats.Name("vendorflow"), nats.MaxReconnects(-1)}, opts...)
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("notify: connect to NATS: %w", err)
	}
	return NewNATSNotifier(conn, ""), nil
}

func NewNATSNotifier(conn *nats.Conn, prefix string) *NATSNotifier {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSNotifier{conn: conn, prefix: prefix}
}

// Subject returns the NATS subject used for kind.
func (n *NATSNotifier) Subject(kind string) string {
	return Subject(n.prefix, kind)
}

func (n *NATSNotifier) Notify(ctx context.Context, partyID, kind string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := nats.NewMsg(n.Subject(kind))
	msg.Data = payload
	if partyID != "" {
		msg.Header.Set(PartyHeader, partyID)
	}
	if err := n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("notify: publish %s: %w", kind, err)
	}
	return nil
}

// Close flushes buffered messages and closes the connection.
func (n *NATSNotifier) Close() error {
	if err := n.conn.Drain(); err != nil {
		return fmt.Errorf("notify: drain: %w", err)
	}
	return nil
}

// Subject builds "<prefix>.<kind>" with NATS-safe tokens.
func Subject(prefix, kind string) string {
	kind = strings.NewReplacer(" ", "_", ">", "_", "*", "_").Replace(kind)
	return prefix + "." + kind
}

// LogNotifier writes notifications to a logger. Used when no NATS URL is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, partyID, kind string, payload []byte) error {
	n.logger.InfoContext(ctx, "notification", "party_id", partyID, "kind", kind, "payload", string(payload))
	return nil
}
