// Package store defines the ledger persistence interface for the challenge
// engine. Implementations are PostgreSQL (source of truth) and in-memory
// (tests and local runs).
//
// Every mutation happens inside WithChallengeTx, which serializes writers on
// one challenge and commits all of their writes or none of them.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/challenge-engine/internal/model"
)

var (
	// ErrActiveChallengeExists is returned when a user already has an active challenge.
	ErrActiveChallengeExists = fmt.Errorf("store: user already has an active challenge: %w", model.ErrPrecondition)

	// ErrOpenPositionExists is returned when inserting a second OPEN position
	// for the same (challenge, market, direction).
	ErrOpenPositionExists = fmt.Errorf("store: open position already exists: %w", model.ErrConsistency)

	// ErrTxDone is returned when a Tx is used after its callback returned.
	ErrTxDone = errors.New("store: transaction already finished")
)

// Store is the persistence interface. Reads outside a transaction see
// committed state only.
type Store interface {
	// --- Users ---

	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)

	// --- Challenges ---

	// CreateChallenge persists a new challenge. It fails with
	// ErrActiveChallengeExists if the user already has an active one.
	CreateChallenge(ctx context.Context, c *model.Challenge) error

	GetChallenge(ctx context.Context, id string) (*model.Challenge, error)

	// ListActiveChallenges returns every challenge with status active.
	ListActiveChallenges(ctx context.Context) ([]model.Challenge, error)

	// --- Ledger reads ---

	// ListPositions returns a challenge's positions, oldest first. An empty
	// status returns all of them.
	ListPositions(ctx context.Context, challengeID string, status model.PositionStatus) ([]model.Position, error)

	// ListTrades returns a challenge's trades in execution order.
	ListTrades(ctx context.Context, challengeID string) ([]model.Trade, error)

	ListPayouts(ctx context.Context, challengeID string) ([]model.Payout, error)
	GetPayout(ctx context.Context, id string) (*model.Payout, error)

	// --- Transactions ---

	// WithChallengeTx runs fn in a transaction holding the challenge's row
	// lock. fn's writes commit when it returns nil and roll back otherwise.
	WithChallengeTx(ctx context.Context, challengeID string, fn func(tx Tx) error) error
}

// Tx is the write surface handed to WithChallengeTx callbacks. Every method
// is scoped to the locked challenge.
type Tx interface {
	// Challenge returns the locked challenge row as read at transaction start
	// plus any updates made through this Tx.
	Challenge(ctx context.Context) (*model.Challenge, error)
	UpdateChallenge(ctx context.Context, c *model.Challenge) error

	OpenPositions(ctx context.Context) ([]model.Position, error)

	// FindOpenPosition returns the OPEN position on (market, direction), or
	// an error wrapping model.ErrNotFound.
	FindOpenPosition(ctx context.Context, marketID string, dir model.Direction) (*model.Position, error)
	InsertPosition(ctx context.Context, p *model.Position) error
	UpdatePosition(ctx context.Context, p *model.Position) error

	InsertTrade(ctx context.Context, t *model.Trade) error

	Payouts(ctx context.Context) ([]model.Payout, error)
	GetPayout(ctx context.Context, id string) (*model.Payout, error)
	InsertPayout(ctx context.Context, p *model.Payout) error
	UpdatePayout(ctx context.Context, p *model.Payout) error
}
