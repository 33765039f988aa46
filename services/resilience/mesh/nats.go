// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/AleutianAI/resilience-engine/services/resilience/governance"
)

const (
	// DefaultSubjectPrefix roots every bridged subject.
	DefaultSubjectPrefix = "resilience"

	// ConnectTimeout bounds the initial NATS dial.
	ConnectTimeout = 10 * time.Second

	publishTimeout = 5 * time.Second
)

// Publisher is the subset of Mesh the bridge feeds.
type Publisher interface {
	Publish(ctx context.Context, e Event) (governance.Verdict, error)
	Subscribe(pattern string, handler Handler) (string, error)
	Unsubscribe(id string) error
}

var _ Publisher = (*Mesh)(nil)

// NATSBridge connects the mesh to a NATS server.
//
// # Description
//
// Inbound: messages on "{prefix}.in.>" are decoded as Events and published
// to the mesh, so they pass the same governance gate as local events.
// Outbound: events matching the mirror pattern are re-encoded and
// published on "{prefix}.out.{type}".
//
// # Limitations
//
// Delivery to NATS is best-effort; a failed mirror publish is logged.
type NATSBridge struct {
	conn    *nats.Conn
	mesh    Publisher
	prefix  string
	mirror  string
	logger  *slog.Logger
	inbound *nats.Subscription
	subID   string
}

// ConnectNATS dials url with the bridge's connection options.
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("resilience-engine"),
		nats.Timeout(ConnectTimeout),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// NewNATSBridge creates a bridge. mirror is the mesh pattern to forward
// outbound, e.g. "anomaly.>". An empty prefix uses DefaultSubjectPrefix.
func NewNATSBridge(nc *nats.Conn, m Publisher, prefix, mirror string, logger *slog.Logger) *NATSBridge {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSBridge{conn: nc, mesh: m, prefix: prefix, mirror: mirror, logger: logger}
}

// InboundSubject is the wildcard subject the bridge listens on.
func (b *NATSBridge) InboundSubject() string { return b.prefix + ".in.>" }

// Start subscribes both directions.
func (b *NATSBridge) Start(ctx context.Context) error {
	sub, err := b.conn.Subscribe(b.InboundSubject(), func(msg *nats.Msg) {
		b.handleInbound(ctx, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.InboundSubject(), err)
	}
	b.inbound = sub

	if b.mirror != "" {
		id, err := b.mesh.Subscribe(b.mirror, b.forward)
		if err != nil {
			_ = sub.Unsubscribe()
			return fmt.Errorf("mirror %s: %w", b.mirror, err)
		}
		b.subID = id
	}
	b.logger.Info("NATS bridge started", "inbound", b.InboundSubject(), "mirror", b.mirror)
	return nil
}

func (b *NATSBridge) handleInbound(ctx context.Context, data []byte) {
	e, err := DecodeEvent(data)
	if err != nil {
		b.logger.Warn("dropping undecodable NATS message", "error", err)
		return
	}
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if _, err := b.mesh.Publish(pctx, e); err != nil && !errors.Is(err, ErrDuplicateEvent) {
		b.logger.Warn("bridged event rejected", "event_id", e.EventID, "error", err)
	}
}

func (b *NATSBridge) forward(_ context.Context, e Event) error {
	data, err := EncodeEvent(e)
	if err != nil {
		return err
	}
	return b.conn.Publish(OutboundSubject(b.prefix, e), data)
}

// Stop removes both subscriptions and flushes the connection. It does not
// close the connection.
func (b *NATSBridge) Stop() error {
	var errs []error
	if b.inbound != nil {
		errs = append(errs, b.inbound.Unsubscribe())
	}
	if b.subID != "" {
		errs = append(errs, b.mesh.Unsubscribe(b.subID))
	}
	if b.conn != nil && !b.conn.IsClosed() {
		errs = append(errs, b.conn.FlushTimeout(publishTimeout))
	}
	return errors.Join(errs...)
}

// OutboundSubject is the subject an event is mirrored to.
func OutboundSubject(prefix string, e Event) string {
	return prefix + ".out." + e.Type
}

// EventTypeFromSubject extracts the event type from an inbound or outbound
// subject. ok is false if subject is not under prefix.
func EventTypeFromSubject(prefix, subject string) (string, bool) {
	for _, dir := range []string{".in.", ".out."} {
		if rest, found := strings.CutPrefix(subject, prefix+dir); found && rest != "" {
			return rest, true
		}
	}
	return "", false
}

// EncodeEvent serializes e for the wire.
func EncodeEvent(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.EventID, err)
	}
	return data, nil
}

// DecodeEvent parses and schema-validates a wire event.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := Validate(e); err != nil {
		return Event{}, err
	}
	return e, nil
}
