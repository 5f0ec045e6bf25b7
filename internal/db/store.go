package db

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"wager-escrow/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PGStore is the Postgres-backed Store.
type PGStore struct{ DB *sql.DB }

func Open(dsn string) (*PGStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &PGStore{DB: db}, nil
}

// Migrate applies the embedded schema migrations.
func (s *PGStore) Migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *PGStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PGStore) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

func (s *PGStore) Close() error { return s.DB.Close() }

type pgTx struct{ tx *sql.Tx }

var (
	_ Store = (*PGStore)(nil)
	_ Tx    = (*pgTx)(nil)
)

func lockClause(forUpdate bool) string {
	if forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ── Wallets ──────────────────────────────────────────

func (t *pgTx) GetWallet(ctx context.Context, userID string, forUpdate bool) (*model.Wallet, error) {
	w := &model.Wallet{}
	err := t.tx.QueryRowContext(ctx,
		`SELECT user_id, balance_cents FROM wallets WHERE user_id=$1`+lockClause(forUpdate), userID,
	).Scan(&w.UserID, &w.BalanceCents)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

func (t *pgTx) AddBalance(ctx context.Context, userID string, delta int64) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO wallets (user_id, balance_cents) VALUES ($1,$2)
		 ON CONFLICT (user_id) DO UPDATE SET balance_cents = wallets.balance_cents + $2, updated_at = now()`,
		userID, delta,
	)
	return err
}

// ── Ledger ───────────────────────────────────────────

func (t *pgTx) InsertLedger(ctx context.Context, lt *model.LedgerTransaction) (bool, error) {
	return affected(t.tx.ExecContext(ctx,
		`INSERT INTO ledger_transactions (id,user_id,wager_id,purpose,amount_cents,reference,created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT (reference) DO NOTHING`,
		lt.ID, lt.UserID, lt.WagerID, lt.Purpose, lt.AmountCents, lt.Reference, lt.CreatedAt,
	))
}

const ledgerCols = `id,user_id,wager_id,purpose,amount_cents,reference,created_at`

func scanLedger(row interface{ Scan(...any) error }, lt *model.LedgerTransaction) error {
	return row.Scan(&lt.ID, &lt.UserID, &lt.WagerID, &lt.Purpose, &lt.AmountCents, &lt.Reference, &lt.CreatedAt)
}

func (t *pgTx) GetLedgerByReference(ctx context.Context, reference string) (*model.LedgerTransaction, error) {
	lt := &model.LedgerTransaction{}
	err := scanLedger(t.tx.QueryRowContext(ctx,
		`SELECT `+ledgerCols+` FROM ledger_transactions WHERE reference=$1`, reference), lt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return lt, err
}

func (t *pgTx) ListLedger(ctx context.Context, userID string, limit int) ([]model.LedgerTransaction, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+ledgerCols+` FROM ledger_transactions WHERE user_id=$1
		 ORDER BY created_at DESC, reference DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.LedgerTransaction
	for rows.Next() {
		var lt model.LedgerTransaction
		if err := scanLedger(rows, &lt); err != nil {
			return nil, err
		}
		out = append(out, lt)
	}
	return out, rows.Err()
}

// ── Platform Fee ─────────────────────────────────────

func (t *pgTx) AddPlatformFee(ctx context.Context, cents int64) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE platform_fee_wallet SET balance_cents = balance_cents + $1 WHERE id=1`, cents)
	return err
}

func (t *pgTx) GetPlatformFee(ctx context.Context) (int64, error) {
	var c int64
	err := t.tx.QueryRowContext(ctx, `SELECT balance_cents FROM platform_fee_wallet WHERE id=1`).Scan(&c)
	return c, err
}

// ── Events ───────────────────────────────────────────

const eventCols = `id,creator_id,title,category,entry_fee_cents,end_date,status,is_private,max_participants,
	pool_yes_cents,pool_no_cents,pool_total_cents,admin_result,creator_fee_cents,ending_notice_sent,created_at,resolved_at`

func scanEvent(row interface{ Scan(...any) error }, e *model.Event) error {
	return row.Scan(&e.ID, &e.CreatorID, &e.Title, &e.Category, &e.EntryFeeCents, &e.EndDate, &e.Status,
		&e.IsPrivate, &e.MaxParticipants, &e.Pool.YesCents, &e.Pool.NoCents, &e.Pool.TotalCents,
		&e.AdminResult, &e.CreatorFeeCents, &e.EndingNoticeSent, &e.CreatedAt, &e.ResolvedAt)
}

func scanEvents(rows *sql.Rows) ([]model.Event, error) {
	defer rows.Close()
	var out []model.Event
	for rows.Next() {
		var e model.Event
		if err := scanEvent(rows, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertEvent(ctx context.Context, e *model.Event) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO events (id,creator_id,title,category,entry_fee_cents,end_date,status,is_private,max_participants,created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.CreatorID, e.Title, e.Category, e.EntryFeeCents, e.EndDate, e.Status, e.IsPrivate, e.MaxParticipants, e.CreatedAt,
	)
	return err
}

func (t *pgTx) GetEvent(ctx context.Context, id string, forUpdate bool) (*model.Event, error) {
	e := &model.Event{}
	err := scanEvent(t.tx.QueryRowContext(ctx,
		`SELECT `+eventCols+` FROM events WHERE id=$1`+lockClause(forUpdate), id), e)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (t *pgTx) ListEvents(ctx context.Context, status model.EventStatus, limit int) ([]model.Event, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+eventCols+` FROM events WHERE ($1::text = '' OR status = $1::text)
		 ORDER BY created_at DESC LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (t *pgTx) ListEventsEndingBetween(ctx context.Context, from, to time.Time) ([]model.Event, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+eventCols+` FROM events
		 WHERE status='active' AND NOT ending_notice_sent AND end_date >= $1 AND end_date <= $2
		 ORDER BY end_date`, from, to)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (t *pgTx) ListExpiredEvents(ctx context.Context, now time.Time) ([]model.Event, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+eventCols+` FROM events WHERE status='active' AND end_date < $1 ORDER BY end_date`, now)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (t *pgTx) IncrementPool(ctx context.Context, eventID string, prediction bool, amount int64) (model.Pool, error) {
	var p model.Pool
	err := t.tx.QueryRowContext(ctx,
		`UPDATE events SET
		   pool_yes_cents   = pool_yes_cents + CASE WHEN $2::boolean THEN $3::bigint ELSE 0 END,
		   pool_no_cents    = pool_no_cents  + CASE WHEN $2::boolean THEN 0 ELSE $3::bigint END,
		   pool_total_cents = pool_total_cents + $3::bigint
		 WHERE id=$1 RETURNING pool_yes_cents, pool_no_cents, pool_total_cents`,
		eventID, prediction, amount,
	).Scan(&p.YesCents, &p.NoCents, &p.TotalCents)
	if err == sql.ErrNoRows {
		return p, model.ErrEventNotFound
	}
	return p, err
}

func (t *pgTx) ResolveEvent(ctx context.Context, eventID string, result bool, creatorFee int64, at time.Time) (bool, error) {
	return affected(t.tx.ExecContext(ctx,
		`UPDATE events SET status='completed', admin_result=$2, creator_fee_cents=$3, resolved_at=$4
		 WHERE id=$1 AND admin_result IS NULL AND status IN ('active','pending_admin')`,
		eventID, result, creatorFee, at,
	))
}

func (t *pgTx) CancelEvent(ctx context.Context, eventID string, at time.Time) (bool, error) {
	return affected(t.tx.ExecContext(ctx,
		`UPDATE events SET status='cancelled', resolved_at=$2
		 WHERE id=$1 AND admin_result IS NULL AND status IN ('active','pending_admin')`,
		eventID, at,
	))
}

func (t *pgTx) ExpireEvent(ctx context.Context, eventID string, now time.Time) (bool, error) {
	return affected(t.tx.ExecContext(ctx,
		`UPDATE events SET status='pending_admin' WHERE id=$1 AND status='active' AND end_date < $2`,
		eventID, now,
	))
}

func (t *pgTx) MarkEndingNotice(ctx context.Context, eventID string) (bool, error) {
	return affected(t.tx.ExecContext(ctx,
		`UPDATE events SET ending_notice_sent=true WHERE id=$1 AND status='active' AND NOT ending_notice_sent`,
		eventID,
	))
}

// ── Participants ─────────────────────────────────────

func (t *pgTx) InsertParticipant(ctx context.Context, p *model.Participant) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO participants (id,event_id,user_id,prediction,staked_cents,status,joined_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		p.ID, p.EventID, p.UserID, p.Prediction, p.StakedCents, p.Status, p.JoinedAt,
	)
	return err
}

func (t *pgTx) HasParticipant(ctx context.Context, eventID, userID string) (bool, error) {
	var ok bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM participants WHERE event_id=$1 AND user_id=$2)`, eventID, userID,
	).Scan(&ok)
	return ok, err
}

func (t *pgTx) CountParticipants(ctx context.Context, eventID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM participants WHERE event_id=$1`, eventID).Scan(&n)
	return n, err
}

func (t *pgTx) ListParticipants(ctx context.Context, eventID string) ([]model.Participant, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id,event_id,user_id,prediction,staked_cents,status,payout_cents,joined_at
		 FROM participants WHERE event_id=$1 ORDER BY seq`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Participant
	for rows.Next() {
		var p model.Participant
		if err := rows.Scan(&p.ID, &p.EventID, &p.UserID, &p.Prediction, &p.StakedCents, &p.Status, &p.PayoutCents, &p.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *pgTx) SettleParticipant(ctx context.Context, id string, status model.ParticipantStatus, payout int64) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE participants SET status=$2, payout_cents=$3 WHERE id=$1`, id, status, payout)
	return err
}

// ── Join Requests ────────────────────────────────────

const requestCols = `id,event_id,user_id,prediction,amount_cents,status,created_at,decided_at`

func scanRequest(row interface{ Scan(...any) error }, r *model.JoinRequest) error {
	return row.Scan(&r.ID, &r.EventID, &r.UserID, &r.Prediction, &r.AmountCents, &r.Status, &r.CreatedAt, &r.DecidedAt)
}

func (t *pgTx) InsertJoinRequest(ctx context.Context, r *model.JoinRequest) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO join_requests (id,event_id,user_id,prediction,amount_cents,status,created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		r.ID, r.EventID, r.UserID, r.Prediction, r.AmountCents, r.Status, r.CreatedAt,
	)
	return err
}

func (t *pgTx) GetJoinRequest(ctx context.Context, id string, forUpdate bool) (*model.JoinRequest, error) {
	r := &model.JoinRequest{}
	err := scanRequest(t.tx.QueryRowContext(ctx,
		`SELECT `+requestCols+` FROM join_requests WHERE id=$1`+lockClause(forUpdate), id), r)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (t *pgTx) HasPendingRequest(ctx context.Context, eventID, userID string) (bool, error) {
	var ok bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM join_requests WHERE event_id=$1 AND user_id=$2 AND status='pending')`,
		eventID, userID,
	).Scan(&ok)
	return ok, err
}

func (t *pgTx) ListJoinRequests(ctx context.Context, eventID string) ([]model.JoinRequest, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+requestCols+` FROM join_requests WHERE event_id=$1 ORDER BY created_at, id`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.JoinRequest
	for rows.Next() {
		var r model.JoinRequest
		if err := scanRequest(rows, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *pgTx) DecideJoinRequest(ctx context.Context, id string, status model.JoinRequestStatus, at time.Time) (bool, error) {
	return affected(t.tx.ExecContext(ctx,
		`UPDATE join_requests SET status=$2, decided_at=$3 WHERE id=$1 AND status='pending'`, id, status, at,
	))
}

// ── Challenges ───────────────────────────────────────

const challengeCols = `id,challenger_id,challenged_id,title,amount_cents,status,result,platform_fee_cents,
	due_date,created_at,accepted_at,completed_at`

func scanChallenge(row interface{ Scan(...any) error }, c *model.Challenge) error {
	return row.Scan(&c.ID, &c.ChallengerID, &c.ChallengedID, &c.Title, &c.AmountCents, &c.Status, &c.Result,
		&c.PlatformFeeCents, &c.DueDate, &c.CreatedAt, &c.AcceptedAt, &c.CompletedAt)
}

func scanChallenges(rows *sql.Rows) ([]model.Challenge, error) {
	defer rows.Close()
	var out []model.Challenge
	for rows.Next() {
		var c model.Challenge
		if err := scanChallenge(rows, &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertChallenge(ctx context.Context, c *model.Challenge) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO challenges (id,challenger_id,challenged_id,title,amount_cents,status,due_date,created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		c.ID, c.ChallengerID, c.ChallengedID, c.Title, c.AmountCents, c.Status, c.DueDate, c.CreatedAt,
	)
	return err
}

func (t *pgTx) GetChallenge(ctx context.Context, id string, forUpdate bool) (*model.Challenge, error) {
	c := &model.Challenge{}
	err := scanChallenge(t.tx.QueryRowContext(ctx,
		`SELECT `+challengeCols+` FROM challenges WHERE id=$1`+lockClause(forUpdate), id), c)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (t *pgTx) ListChallenges(ctx context.Context, userID string, limit int) ([]model.Challenge, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+challengeCols+` FROM challenges WHERE challenger_id=$1 OR challenged_id=$1
		 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	return scanChallenges(rows)
}

func (t *pgTx) ListStaleChallenges(ctx context.Context, now time.Time) ([]model.Challenge, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+challengeCols+` FROM challenges WHERE status='pending' AND due_date < $1 ORDER BY due_date`, now)
	if err != nil {
		return nil, err
	}
	return scanChallenges(rows)
}

func (t *pgTx) TransitionChallenge(ctx context.Context, id string, from, to model.ChallengeStatus, at time.Time) (bool, error) {
	return affected(t.tx.ExecContext(ctx,
		`UPDATE challenges SET status=$3,
		   accepted_at  = CASE WHEN $3::text = 'active' THEN $4::timestamptz ELSE accepted_at END,
		   completed_at = CASE WHEN $3::text = 'cancelled' THEN $4::timestamptz ELSE completed_at END
		 WHERE id=$1 AND status=$2`,
		id, from, to, at,
	))
}

func (t *pgTx) CompleteChallenge(ctx context.Context, id string, result model.ChallengeResult, fee int64, at time.Time) (bool, error) {
	return affected(t.tx.ExecContext(ctx,
		`UPDATE challenges SET status='completed', result=$2, platform_fee_cents=$3, completed_at=$4
		 WHERE id=$1 AND result IS NULL AND status IN ('active','disputed')`,
		id, result, fee, at,
	))
}

// ── Notifications ────────────────────────────────────

func (t *pgTx) InsertNotification(ctx context.Context, n *model.Notification) error {
	b, err := json.Marshal(n.Data)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO notifications (id,user_id,title,message,data,created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		n.ID, n.UserID, n.Title, n.Message, b, n.CreatedAt,
	)
	return err
}

func (t *pgTx) ListNotifications(ctx context.Context, userID string, limit int) ([]model.Notification, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id,user_id,title,message,data,created_at FROM notifications
		 WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Notification
	for rows.Next() {
		var n model.Notification
		var raw []byte
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &raw, &n.CreatedAt); err != nil {
			return nil, err
		}
		if n.Data, err = decodeNotificationData(n.ID, raw); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func decodeNotificationData(id string, raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("notification %s data: %w", id, err)
	}
	return data, nil
}
