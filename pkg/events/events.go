// Package events publishes committed lifecycle events to NATS, letting
// fleet tooling observe every hosted module without polling its status
// endpoint.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/psantana5/wasmhost/pkg/lifecycle"
	"github.com/psantana5/wasmhost/pkg/logging"
)

// SubjectPrefix is the subject tree lifecycle events are published under;
// the loader instance ID forms the last token.
const SubjectPrefix = "wasmhost.lifecycle"

// Publisher forwards lifecycle events for one loader instance
type Publisher struct {
	nc         *nats.Conn
	subject    string
	instanceID string
	log        *logging.Logger
}

// NewPublisher connects to the NATS server at url. The connection reconnects
// forever; events raised while disconnected are dropped, not queued.
func NewPublisher(url, instanceID string, logger *logging.Logger) (*Publisher, error) {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	log := logger.WithField("component", "events")

	opts := []nats.Option{
		nats.Name("wasmhost-" + instanceID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("nats disconnected", map[string]interface{}{"error": fmt.Sprint(err)})
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", map[string]interface{}{"url": nc.ConnectedUrl()})
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}

	return &Publisher{
		nc:         nc,
		subject:    SubjectPrefix + "." + instanceID,
		instanceID: instanceID,
		log:        log,
	}, nil
}

// envelope is the wire form of a published lifecycle event
type envelope struct {
	InstanceID string          `json:"instance_id"`
	Event      lifecycle.Event `json:"event"`
}

// PublishEvent sends one committed lifecycle event. Failures are logged and
// swallowed: event delivery must never disturb the lifecycle itself.
func (p *Publisher) PublishEvent(ev lifecycle.Event) {
	if p.nc == nil || p.nc.IsClosed() {
		return
	}
	data, err := json.Marshal(envelope{InstanceID: p.instanceID, Event: ev})
	if err != nil {
		p.log.Error("failed to encode lifecycle event", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		p.log.Warn("failed to publish lifecycle event", map[string]interface{}{"error": err.Error()})
	}
}

// Close drains and closes the connection
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}
