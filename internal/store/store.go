// Package store persists actions, sessions, near-misses and webhook
// registrations. The SQLite implementation is the only one shipped; the
// interface exists so the engine and API can be tested against it.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyDecided is returned when an approval verdict is submitted
	// for an action that already has one.
	ErrAlreadyDecided = errors.New("action already decided")
)

// Store is the persistence boundary for the gateway.
type Store interface {
	// GetOrCreateSession returns the session, creating it with the given
	// budget if it does not exist. An existing session keeps its budget.
	GetOrCreateSession(ctx context.Context, sessionID string, budget float64) (*Session, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	// AddSessionRisk adds delta to cumulative_risk and bumps last_activity.
	AddSessionRisk(ctx context.Context, sessionID string, delta float64) error
	TouchSession(ctx context.Context, sessionID string) error

	// InsertAction persists the action and fills in its ID.
	InsertAction(ctx context.Context, a *Action) error
	GetAction(ctx context.Context, id int64) (*Action, error)
	// SetActionApproval records a verdict exactly once. On approval the
	// action's risk charges the session budget in the same transaction as
	// the verdict write. Returns the updated action, ErrNotFound for an
	// unknown id, ErrAlreadyDecided if a verdict was already recorded.
	SetActionApproval(ctx context.Context, id int64, approved bool, channel, notes string, at time.Time) (*Action, error)
	// CountRecentActions counts prior actions for (session, target) created
	// at or after since. The action being evaluated is not yet inserted, so
	// the count covers history only.
	CountRecentActions(ctx context.Context, sessionID, target string, since time.Time) (int, error)
	// ListActionsByTime returns actions in [from, to) ordered by created_at
	// then id. Zero times mean unbounded.
	ListActionsByTime(ctx context.Context, from, to time.Time) ([]*Action, error)

	InsertNearMiss(ctx context.Context, nm *NearMiss) error
	// ListNearMisses returns every near-miss whose action name matches
	// exactly, across all sessions, newest first.
	ListNearMisses(ctx context.Context, action string) ([]*NearMiss, error)

	InsertWebhook(ctx context.Context, w *Webhook) error
	GetWebhook(ctx context.Context, id int64) (*Webhook, error)
	ListWebhooks(ctx context.Context) ([]*Webhook, error)
	DeleteWebhook(ctx context.Context, id int64) error
	// RecordWebhookSuccess resets failure_count and sets last_triggered.
	RecordWebhookSuccess(ctx context.Context, id int64, at time.Time) error
	// RecordWebhookFailure increments failure_count and disables the webhook
	// once the count reaches disableAt.
	RecordWebhookFailure(ctx context.Context, id int64, disableAt int) error

	Stats(ctx context.Context) (*Stats, error)

	Ping(ctx context.Context) error
	Close() error
}
