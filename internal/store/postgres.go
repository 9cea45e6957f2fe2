package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/model"
)

//go:embed migrations/001_schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// read back through ::TEXT.
type PostgresStore struct {
	pool             *pgxpool.Pool
	statementTimeout time.Duration
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed store. A positive
// statementTimeout is applied to every transaction with SET LOCAL.
func NewPostgresStore(pool *pgxpool.Pool, statementTimeout time.Duration) *PostgresStore {
	return &PostgresStore{pool: pool, statementTimeout: statementTimeout}
}

// Migrate creates the ledger tables if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate schema: %w", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, created_at) VALUES ($1, $2, $3)`,
		u.ID, u.Email, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: create user %s: %w", u.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err, "user %s", id)
	}
	return &u, nil
}

// --- Challenges ---

const challengeColumns = `id, user_id, phase, status, failure_reason,
	starting_balance::TEXT, current_balance::TEXT, start_of_day_balance::TEXT, high_water_mark::TEXT,
	rules::TEXT, profit_split::TEXT, payout_cap::TEXT, active_trading_days,
	payout_cycle_start, ends_at, funded_at, last_trade_at, total_paid_out::TEXT,
	created_at, updated_at`

func (s *PostgresStore) CreateChallenge(ctx context.Context, c *model.Challenge) error {
	rules, err := json.Marshal(c.Rules)
	if err != nil {
		return fmt.Errorf("store: encode rules: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO challenges (id, user_id, tier, phase, status, failure_reason,
			starting_balance, current_balance, start_of_day_balance, high_water_mark,
			rules, profit_split, payout_cap, active_trading_days,
			payout_cycle_start, ends_at, funded_at, last_trade_at, total_paid_out,
			created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6,
			$7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
			$11::JSONB, $12::NUMERIC, $13::NUMERIC, $14,
			$15, $16, $17, $18, $19::NUMERIC,
			$20, $21)`,
		c.ID, c.UserID, c.Rules.Tier, c.Phase, c.Status, c.FailureReason,
		c.StartingBalance.String(), c.CurrentBalance.String(), c.StartOfDayBalance.String(), c.HighWaterMark.String(),
		string(rules), c.ProfitSplit.String(), c.PayoutCap.String(), c.ActiveTradingDays,
		c.PayoutCycleStart, c.EndsAt, c.FundedAt, c.LastTradeAt, c.TotalPaidOut.String(),
		c.CreatedAt, c.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "challenges_one_active_per_user" {
		return ErrActiveChallengeExists
	}
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return model.NotFoundf("user %s", c.UserID)
	}
	if err != nil {
		return fmt.Errorf("store: create challenge %s: %w", c.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE id = $1`, id)
	c, err := scanChallenge(row)
	if err != nil {
		return nil, notFound(err, "challenge %s", id)
	}
	return c, nil
}

func (s *PostgresStore) ListActiveChallenges(ctx context.Context) ([]model.Challenge, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+challengeColumns+` FROM challenges WHERE status = 'active' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("store: list active challenges: %w", err)
	}
	defer rows.Close()

	var out []model.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanChallenge(row pgx.Row) (*model.Challenge, error) {
	var (
		c                                     model.Challenge
		starting, current, startOfDay, hwm    string
		rules, split, payoutCap, totalPaidOut string
	)
	err := row.Scan(&c.ID, &c.UserID, &c.Phase, &c.Status, &c.FailureReason,
		&starting, &current, &startOfDay, &hwm,
		&rules, &split, &payoutCap, &c.ActiveTradingDays,
		&c.PayoutCycleStart, &c.EndsAt, &c.FundedAt, &c.LastTradeAt, &totalPaidOut,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rules), &c.Rules); err != nil {
		return nil, fmt.Errorf("store: decode rules for %s: %w", c.ID, err)
	}
	c.StartingBalance = dec(starting)
	c.CurrentBalance = dec(current)
	c.StartOfDayBalance = dec(startOfDay)
	c.HighWaterMark = dec(hwm)
	c.ProfitSplit = dec(split)
	c.PayoutCap = dec(payoutCap)
	c.TotalPaidOut = dec(totalPaidOut)
	return &c, nil
}

// --- Ledger reads ---

const positionColumns = `id, challenge_id, market_id, category, direction,
	shares::TEXT, entry_price::TEXT, size_amount::TEXT, realized_pnl::TEXT, status,
	pnl::TEXT, closed_at, closed_price::TEXT, opened_at`

func (s *PostgresStore) ListPositions(ctx context.Context, challengeID string, status model.PositionStatus) ([]model.Position, error) {
	return listPositions(ctx, s.pool, challengeID, status)
}

func listPositions(ctx context.Context, q querier, challengeID string, status model.PositionStatus) ([]model.Position, error) {
	rows, err := q.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE challenge_id = $1 AND ($2::TEXT = '' OR status = $2::TEXT)
		 ORDER BY opened_at, id`, challengeID, string(status))
	if err != nil {
		return nil, fmt.Errorf("store: list positions for %s: %w", challengeID, err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var (
		p                             model.Position
		shares, entry, size, realized string
		pnl, closedPrice              *string
	)
	err := row.Scan(&p.ID, &p.ChallengeID, &p.MarketID, &p.Category, &p.Direction,
		&shares, &entry, &size, &realized, &p.Status,
		&pnl, &p.ClosedAt, &closedPrice, &p.OpenedAt)
	if err != nil {
		return nil, err
	}
	p.Shares = dec(shares)
	p.EntryPrice = dec(entry)
	p.SizeAmount = dec(size)
	p.RealizedPnL = dec(realized)
	p.PnL = decPtr(pnl)
	p.ClosedPrice = decPtr(closedPrice)
	return &p, nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, challengeID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, challenge_id, position_id, market_id, direction, type,
		        amount::TEXT, shares::TEXT, price::TEXT, realized_pnl::TEXT,
		        closure_reason, created_at
		 FROM trades WHERE challenge_id = $1 ORDER BY seq`, challengeID)
	if err != nil {
		return nil, fmt.Errorf("store: list trades for %s: %w", challengeID, err)
	}
	defer rows.Close()

	var out []model.Trade
	for rows.Next() {
		var (
			t                     model.Trade
			amount, shares, price string
			realized              *string
		)
		if err := rows.Scan(&t.ID, &t.ChallengeID, &t.PositionID, &t.MarketID, &t.Direction, &t.Type,
			&amount, &shares, &price, &realized,
			&t.ClosureReason, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Amount = dec(amount)
		t.Shares = dec(shares)
		t.Price = dec(price)
		t.RealizedPnL = decPtr(realized)
		out = append(out, t)
	}
	return out, rows.Err()
}

const payoutColumns = `id, user_id, challenge_id, amount::TEXT, status,
	gross_profit::TEXT, profit_split::TEXT, gross_deduction::TEXT,
	transaction_hash, failure_reason, requested_at, completed_at`

func (s *PostgresStore) ListPayouts(ctx context.Context, challengeID string) ([]model.Payout, error) {
	return listPayouts(ctx, s.pool, challengeID)
}

func listPayouts(ctx context.Context, q querier, challengeID string) ([]model.Payout, error) {
	rows, err := q.Query(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE challenge_id = $1 ORDER BY requested_at, id`, challengeID)
	if err != nil {
		return nil, fmt.Errorf("store: list payouts for %s: %w", challengeID, err)
	}
	defer rows.Close()

	var out []model.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetPayout(ctx context.Context, id string) (*model.Payout, error) {
	p, err := scanPayout(s.pool.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "payout %s", id)
	}
	return p, nil
}

func scanPayout(row pgx.Row) (*model.Payout, error) {
	var (
		p                               model.Payout
		amount, gross, split, deduction string
	)
	err := row.Scan(&p.ID, &p.UserID, &p.ChallengeID, &amount, &p.Status,
		&gross, &split, &deduction,
		&p.TransactionHash, &p.FailureReason, &p.RequestedAt, &p.CompletedAt)
	if err != nil {
		return nil, err
	}
	p.Amount = dec(amount)
	p.GrossProfit = dec(gross)
	p.ProfitSplit = dec(split)
	p.GrossDeduction = dec(deduction)
	return &p, nil
}

// --- Transactions ---

// WithChallengeTx locks the challenge row with SELECT ... FOR UPDATE. The
// transaction is rolled back if fn returns an error or panics.
func (s *PostgresStore) WithChallengeTx(ctx context.Context, challengeID string, fn func(tx Tx) error) (err error) {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = pgTx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = pgTx.Rollback(ctx)
		}
	}()

	if s.statementTimeout > 0 {
		ms := s.statementTimeout.Milliseconds()
		if _, err = pgTx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", ms)); err != nil {
			return fmt.Errorf("store: set statement timeout: %w", err)
		}
	}

	row := pgTx.QueryRow(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE id = $1 FOR UPDATE`, challengeID)
	c, err := scanChallenge(row)
	if err != nil {
		return notFound(err, "challenge %s", challengeID)
	}

	tx := &postgresTx{tx: pgTx, challenge: c}
	if err = fn(tx); err != nil {
		tx.done = true
		return err
	}
	tx.done = true
	if err = pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

type postgresTx struct {
	tx        pgx.Tx
	challenge *model.Challenge
	done      bool
}

func (t *postgresTx) check() error {
	if t.done {
		return ErrTxDone
	}
	return nil
}

func (t *postgresTx) Challenge(_ context.Context) (*model.Challenge, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	c := cloneChallenge(*t.challenge)
	return &c, nil
}

func (t *postgresTx) UpdateChallenge(ctx context.Context, c *model.Challenge) error {
	if err := t.check(); err != nil {
		return err
	}
	if c.ID != t.challenge.ID {
		return fmt.Errorf("store: challenge %s is not locked by this transaction", c.ID)
	}
	rules, err := json.Marshal(c.Rules)
	if err != nil {
		return fmt.Errorf("store: encode rules: %w", err)
	}
	_, err = t.tx.Exec(ctx,
		`UPDATE challenges SET
			phase = $2, status = $3, failure_reason = $4,
			current_balance = $5::NUMERIC, start_of_day_balance = $6::NUMERIC, high_water_mark = $7::NUMERIC,
			rules = $8::JSONB, profit_split = $9::NUMERIC, payout_cap = $10::NUMERIC,
			active_trading_days = $11, payout_cycle_start = $12, ends_at = $13,
			funded_at = $14, last_trade_at = $15, total_paid_out = $16::NUMERIC,
			updated_at = $17
		 WHERE id = $1`,
		c.ID, c.Phase, c.Status, c.FailureReason,
		c.CurrentBalance.String(), c.StartOfDayBalance.String(), c.HighWaterMark.String(),
		string(rules), c.ProfitSplit.String(), c.PayoutCap.String(),
		c.ActiveTradingDays, c.PayoutCycleStart, c.EndsAt,
		c.FundedAt, c.LastTradeAt, c.TotalPaidOut.String(),
		c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: update challenge %s: %w", c.ID, err)
	}
	updated := cloneChallenge(*c)
	t.challenge = &updated
	return nil
}

func (t *postgresTx) OpenPositions(ctx context.Context) ([]model.Position, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return listPositions(ctx, t.tx, t.challenge.ID, model.PositionOpen)
}

func (t *postgresTx) FindOpenPosition(ctx context.Context, marketID string, dir model.Direction) (*model.Position, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	row := t.tx.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE challenge_id = $1 AND market_id = $2 AND direction = $3 AND status = 'OPEN'`,
		t.challenge.ID, marketID, dir)
	p, err := scanPosition(row)
	if err != nil {
		return nil, notFound(err, "open %s position on %s", dir, marketID)
	}
	return p, nil
}

func (t *postgresTx) InsertPosition(ctx context.Context, p *model.Position) error {
	if err := t.check(); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (id, challenge_id, market_id, category, direction,
			shares, entry_price, size_amount, realized_pnl, status, pnl, closed_at, closed_price, opened_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10,
			$11::NUMERIC, $12, $13::NUMERIC, $14)`,
		p.ID, p.ChallengeID, p.MarketID, p.Category, p.Direction,
		p.Shares.String(), p.EntryPrice.String(), p.SizeAmount.String(), p.RealizedPnL.String(), p.Status,
		decArg(p.PnL), p.ClosedAt, decArg(p.ClosedPrice), p.OpenedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "positions_one_open" {
		return ErrOpenPositionExists
	}
	if err != nil {
		return fmt.Errorf("store: insert position %s: %w", p.ID, err)
	}
	return nil
}

func (t *postgresTx) UpdatePosition(ctx context.Context, p *model.Position) error {
	if err := t.check(); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE positions SET
			shares = $3::NUMERIC, entry_price = $4::NUMERIC, size_amount = $5::NUMERIC,
			realized_pnl = $6::NUMERIC, status = $7, pnl = $8::NUMERIC, closed_at = $9, closed_price = $10::NUMERIC
		 WHERE id = $1 AND challenge_id = $2`,
		p.ID, t.challenge.ID,
		p.Shares.String(), p.EntryPrice.String(), p.SizeAmount.String(),
		p.RealizedPnL.String(), p.Status, decArg(p.PnL), p.ClosedAt, decArg(p.ClosedPrice),
	)
	if err != nil {
		return fmt.Errorf("store: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return model.NotFoundf("position %s", p.ID)
	}
	return nil
}

func (t *postgresTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	if err := t.check(); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, challenge_id, position_id, market_id, direction, type,
			amount, shares, price, realized_pnl, closure_reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12)`,
		tr.ID, tr.ChallengeID, tr.PositionID, tr.MarketID, tr.Direction, tr.Type,
		tr.Amount.String(), tr.Shares.String(), tr.Price.String(), decArg(tr.RealizedPnL),
		tr.ClosureReason, tr.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert trade %s: %w", tr.ID, err)
	}
	return nil
}

func (t *postgresTx) Payouts(ctx context.Context) ([]model.Payout, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return listPayouts(ctx, t.tx, t.challenge.ID)
}

func (t *postgresTx) GetPayout(ctx context.Context, id string) (*model.Payout, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	row := t.tx.QueryRow(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE id = $1 AND challenge_id = $2 FOR UPDATE`,
		id, t.challenge.ID)
	p, err := scanPayout(row)
	if err != nil {
		return nil, notFound(err, "payout %s", id)
	}
	return p, nil
}

func (t *postgresTx) InsertPayout(ctx context.Context, p *model.Payout) error {
	if err := t.check(); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO payouts (id, user_id, challenge_id, amount, status,
			gross_profit, profit_split, gross_deduction,
			transaction_hash, failure_reason, requested_at, completed_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12)`,
		p.ID, p.UserID, p.ChallengeID, p.Amount.String(), p.Status,
		p.GrossProfit.String(), p.ProfitSplit.String(), p.GrossDeduction.String(),
		p.TransactionHash, p.FailureReason, p.RequestedAt, p.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert payout %s: %w", p.ID, err)
	}
	return nil
}

func (t *postgresTx) UpdatePayout(ctx context.Context, p *model.Payout) error {
	if err := t.check(); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE payouts SET
			status = $3, gross_deduction = $4::NUMERIC, transaction_hash = $5,
			failure_reason = $6, completed_at = $7
		 WHERE id = $1 AND challenge_id = $2`,
		p.ID, t.challenge.ID, p.Status, p.GrossDeduction.String(), p.TransactionHash,
		p.FailureReason, p.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("store: update payout %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return model.NotFoundf("payout %s", p.ID)
	}
	return nil
}

// --- helpers ---

func dec(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func decPtr(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	return model.DecPtr(dec(*s))
}

// decArg renders an optional decimal as a NUMERIC parameter.
func decArg(v *decimal.Decimal) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NotFoundf(format, args...)
	}
	return fmt.Errorf("store: %s: %w", fmt.Sprintf(format, args...), err)
}
