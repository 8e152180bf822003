// Package store is the Session Descriptor Store: tracked sessions plus the
// durable ledger of pending scheduler removals.
package store

import (
	"context"

	"github.com/me/clusterui/pkg/model"
)

// Store defines the persistence layer for sessions and removal obligations.
// Implementations must be safe for concurrent use by several state machines
// and the startup reconciliation pass.
type Store interface {
	// Sessions. Get methods return nil, nil when nothing matches.
	PutSession(ctx context.Context, d *model.SessionDescriptor) error
	GetSession(ctx context.Context, id string) (*model.SessionDescriptor, error)
	GetSessionByRequestID(ctx context.Context, requestID string) (*model.SessionDescriptor, error)
	ListSessions(ctx context.Context) ([]*model.SessionDescriptor, error)
	DeleteSession(ctx context.Context, id string) error

	// Removal obligations, one per request id, ordered by Seq.
	// AddObligation is idempotent and returns the existing record on repeat.
	// owner identifies the recording process for cross-process reconciliation.
	AddObligation(ctx context.Context, requestID, sessionID, owner string) (*model.Obligation, error)
	ClearObligation(ctx context.Context, requestID string) error
	ListObligations(ctx context.Context) ([]*model.Obligation, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
