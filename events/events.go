/*
events.go - Domain events published after a commit

PURPOSE:
  Tells the outside world that money moved. Consumers (notification
  delivery, reporting) subscribe to these instead of polling the store.
  Publishing is best-effort: the engine logs a failed publish and keeps the
  commit.

EVENT TYPES:
  resolution.committed  a conflict was resolved with a strategy
  record.updated        a checked mutation without conflict was applied
  record.deleted        a record was soft-deleted
  record.created        a credit, receivable, payment, allocation or task was created
  task.approved         a task was invoiced and its commissions created
  task.cascaded         a task change was cascaded to invoice and commissions
  balance.repaired      a drifted cached balance was rewritten

IMPLEMENTATIONS:
  KafkaPublisher   segmentio/kafka-go writer, keyed by target ID
  RabbitPublisher  amqp091 channel, one durable queue
  Memory           records events (tests)
  Nop              drops events (default)
*/
package events

import (
	"context"
	"time"
)

type Type string

const (
	ResolutionCommitted Type = "resolution.committed"
	RecordUpdated       Type = "record.updated"
	RecordDeleted       Type = "record.deleted"
	RecordCreated       Type = "record.created"
	TaskApproved        Type = "task.approved"
	TaskCascaded        Type = "task.cascaded"
	BalanceRepaired     Type = "balance.repaired"
)

// Event is the wire form of a domain event.
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	TargetKind string         `json:"target_kind"`
	TargetID   string         `json:"target_id"`
	Mutation   string         `json:"mutation,omitempty"`
	Strategy   string         `json:"strategy,omitempty"`
	Summary    []string       `json:"summary,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	At         time.Time      `json:"at"`
}

// Publisher delivers events to a broker.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
