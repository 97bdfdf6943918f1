package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx so repositories can run
// inside or outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Stores exposes the repositories bound to one connection or transaction.
type Stores interface {
	Tickets() TicketRepository
	SLAs() SLARepository
	Escalations() EscalationRepository
	Ledger() LedgerRepository
	Comments() CommentRepository
	Profiles() ProfileRepository
	Groups() GroupRepository
}

// Store is the entry point used by services. WithTx runs fn inside a single
// transaction; fn's error rolls everything back.
type Store interface {
	Stores
	WithTx(ctx context.Context, fn func(Stores) error) error
}

type stores struct {
	db DBTX
}

func (s stores) Tickets() TicketRepository         { return &ticketRepository{db: s.db} }
func (s stores) SLAs() SLARepository               { return &slaRepository{db: s.db} }
func (s stores) Escalations() EscalationRepository { return &escalationRepository{db: s.db} }
func (s stores) Ledger() LedgerRepository          { return &ledgerRepository{db: s.db} }
func (s stores) Comments() CommentRepository       { return &commentRepository{db: s.db} }
func (s stores) Profiles() ProfileRepository       { return &profileRepository{db: s.db} }
func (s stores) Groups() GroupRepository           { return &groupRepository{db: s.db} }

type pgStore struct {
	stores
	pool *pgxpool.Pool
}

// NewStore builds a Postgres-backed Store.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{stores: stores{db: pool}, pool: pool}
}

func (s *pgStore) WithTx(ctx context.Context, fn func(Stores) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return fn(stores{db: tx})
	})
}
