// Package subscriptions applies subscription lifecycle events from the
// payment provider to plan assignments and balances.
//
// Events arrive as HMAC-SHA256 signed JSON posted to Handler. Activation,
// renewal and plan changes assign the plan and reset the subscriber's balance
// to the plan allowance; cancellation moves the subscriber to the catalog's
// fallback plan and leaves the balance alone until the next period reset.
//
// Delivery is at-least-once. Each event id is claimed in an EventStore
// (memory or the subscription_events table) before it is applied, so a
// redelivery to any replica or after a restart is answered from the stored
// outcome. An activation or renewal that predates the current balance period
// does not reset the balance.
package subscriptions
