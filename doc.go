// Package outbox implements the transactional outbox pattern: domain events
// are written to a durable table inside the same database transaction as the
// state change they announce, and a background dispatcher drains that table
// to a message broker.
//
// The package defines the storage contract (Store), the broker contract
// (Publisher), the wake-up contract (Notifier), and the Dispatcher that ties
// them together. Delivery is at-least-once; downstream consumers must be
// idempotent.
//
// Concrete adapters live in subpackages: postgres (store, change listener,
// migrations), rabbitmq (confirm-mode publisher), and kafka (sarama
// publisher).
package outbox
