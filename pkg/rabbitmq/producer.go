/**
 * @description
 * This package provides a simple producer for publishing messages to RabbitMQ.
 * The escrow-service publishes an event for every terminal authorization
 * decision and for stale-release alerts, so downstream consumers (notifiers,
 * reporting) can react without polling the database.
 *
 * @dependencies
 * - context, encoding/json, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// EscrowEventsExchange is the topic exchange all escrow-service events go to.
const EscrowEventsExchange = "escrow_events"

// TransferDecisionEvent is published after every terminal authorization
// decision (automatic or manual).
type TransferDecisionEvent struct {
	Action             string     `json:"action"`
	RecordKind         string     `json:"record_kind"`
	EntityID           uuid.UUID  `json:"entity_id"`
	ExternalTransferID string     `json:"external_transfer_id"`
	SupplierID         *uuid.UUID `json:"supplier_id,omitempty"`
	Amount             string     `json:"amount"`
	Message            string     `json:"message"`
	Timestamp          time.Time  `json:"timestamp"`
}

// StaleReleaseEvent flags an escrow payment stuck mid-release.
type StaleReleaseEvent struct {
	PaymentID          uuid.UUID `json:"payment_id"`
	ExternalTransferID string    `json:"external_transfer_id"`
	Amount             string    `json:"amount"`
	StuckSince         time.Time `json:"stuck_since"`
	Timestamp          time.Time `json:"timestamp"`
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishTransferDecision(ctx context.Context, event TransferDecisionEvent) error
	PublishStaleRelease(ctx context.Context, event StaleReleaseEvent) error
	Close()
}

// EventProducerFallback is a minimal no-op publisher used when RabbitMQ is unavailable at startup.
type EventProducerFallback struct{}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s", exchange, routingKey)
	return nil
}

func (p *EventProducerFallback) PublishTransferDecision(ctx context.Context, event TransferDecisionEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"transfer decision event skipped\" action=%s external_transfer_id=%s", event.Action, event.ExternalTransferID)
	return nil
}

func (p *EventProducerFallback) PublishStaleRelease(ctx context.Context, event StaleReleaseEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"stale release event skipped\" payment_id=%s", event.PaymentID)
	return nil
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch}, nil
}

// Publish sends a message to a specific exchange with a routing key.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	// Ensure the exchange exists (durable topic)
	if err := p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"exchange declare failed; reopening channel\" exchange=%s err=%v", exchange, err)
		// Attempt simple channel reopen once
		if p.conn != nil {
			if ch, chErr := p.conn.Channel(); chErr == nil {
				p.channel = ch
				if err2 := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err2 != nil {
					return err2
				}
			} else {
				return chErr
			}
		} else {
			return err
		}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		return err
	}

	err = p.channel.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        jsonBody,
		},
	)
	if err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		// One-shot retry: reopen channel and try again
		if p.conn != nil {
			if ch, chErr := p.conn.Channel(); chErr == nil {
				p.channel = ch
				// re-declare exchange and retry
				if exErr := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); exErr == nil {
					err = p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
						ContentType: "application/json",
						Timestamp:   time.Now(),
						Body:        jsonBody,
					})
					if err == nil {
						return nil
					}
				}
			}
		}
		return err
	}
	return nil
}

// PublishTransferDecision publishes a terminal authorization decision to the
// escrow_events exchange. The routing key encodes the action, e.g.
// transfer.authorization.transfer_approved.
func (p *EventProducer) PublishTransferDecision(ctx context.Context, event TransferDecisionEvent) error {
	return p.Publish(ctx, EscrowEventsExchange, "transfer.authorization."+event.Action, event)
}

// PublishStaleRelease publishes a stale-release alert.
func (p *EventProducer) PublishStaleRelease(ctx context.Context, event StaleReleaseEvent) error {
	return p.Publish(ctx, EscrowEventsExchange, "transfer.release.stale", event)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
