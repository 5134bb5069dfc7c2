// Package notify publishes fleet events to an MQTT broker for external
// ops tooling. It is entirely optional: without a configured broker the
// publisher is nil and nothing subscribes to the bus.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/sysmanage/sysmanage-server/internal/events"
	"github.com/sysmanage/sysmanage-server/internal/logging"
)

const (
	connectTimeout = 10 * time.Second
	// QoS 0: fleet events are advisory; a dropped status beat is cheaper
	// than blocking the publisher on broker acks.
	publishQoS = 0
)

// Publisher forwards bus events to MQTT topics under a common prefix:
//
//	<prefix>/host/<fqdn>/status     host lifecycle and approval events
//	<prefix>/orchestration/<hostID> reboot orchestration progress
//	<prefix>/license                license expiry warnings
//	<prefix>/certificates           certificate expiry warnings
type Publisher struct {
	client mqtt.Client
	prefix string
	bus    *events.Bus
	log    *logging.Logger
}

// New connects to the broker and returns a running-ready publisher.
// An empty broker URL disables MQTT: returns nil, nil.
func New(broker, prefix string, bus *events.Bus, log *logging.Logger) (*Publisher, error) {
	if broker == "" {
		return nil, nil
	}
	if prefix == "" {
		prefix = "sysmanage"
	}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("sysmanage-server").
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if tok.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", tok.Error())
	}

	return &Publisher{
		client: client,
		prefix: prefix,
		bus:    bus,
		log:    log.With("component", "notify"),
	}, nil
}

// Run subscribes to the bus and forwards events until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	ch, cancel := p.bus.Subscribe()
	defer cancel()
	p.log.Info("mqtt publisher started", "prefix", p.prefix)

	for {
		select {
		case evt := <-ch:
			p.publish(evt)
		case <-ctx.Done():
			p.client.Disconnect(250)
			p.log.Info("mqtt publisher stopped")
			return nil
		}
	}
}

func (p *Publisher) publish(evt events.Event) {
	topic := p.topicFor(evt)
	if topic == "" {
		return
	}
	body, err := json.Marshal(payloadFor(evt))
	if err != nil {
		p.log.Error("marshaling event", "type", evt.Type, "error", err)
		return
	}
	// Fire and forget; the paho client queues internally and QoS 0 never
	// waits for an ack.
	p.client.Publish(topic, publishQoS, false, body)
	p.log.Debug("event published", "topic", topic, "type", evt.Type)
}

// topicFor maps an event to its topic, or "" for events that are not
// exported over MQTT.
func (p *Publisher) topicFor(evt events.Event) string {
	switch evt.Type {
	case events.EventHostRegistered, events.EventHostUp, events.EventHostDown, events.EventHostApproved:
		if evt.FQDN == "" {
			return ""
		}
		return p.prefix + "/host/" + evt.FQDN + "/status"
	case events.EventOrchestrationUpdate:
		if evt.HostID == "" {
			return ""
		}
		return p.prefix + "/orchestration/" + evt.HostID
	case events.EventLicenseWarning:
		return p.prefix + "/license"
	case events.EventCertWarning:
		return p.prefix + "/certificates"
	default:
		return ""
	}
}

type eventPayload struct {
	Type      string `json:"type"`
	HostID    string `json:"host_id,omitempty"`
	FQDN      string `json:"fqdn,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
}

func payloadFor(evt events.Event) eventPayload {
	return eventPayload{
		Type:      string(evt.Type),
		HostID:    evt.HostID,
		FQDN:      evt.FQDN,
		Message:   evt.Message,
		Timestamp: evt.Timestamp.UTC().Format(time.RFC3339),
	}
}
