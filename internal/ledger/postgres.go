package ledger

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"convexity_trading/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the embedded schema migrations to databaseURL.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(databaseURL))
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	v, dirty, _ := m.Version()
	log.Printf("[LEDGER] schema at version %d (dirty=%v)", v, dirty)
	return nil
}

// migrateURL points the migrate pgx/v5 driver at a postgres:// URL.
func migrateURL(databaseURL string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(databaseURL, prefix) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, prefix)
		}
	}
	return databaseURL
}

type PoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConns:          4,
		MinConns:          1,
		MaxConnLifetime:   30 * time.Minute,
		MaxConnIdleTime:   5 * time.Minute,
		HealthCheckPeriod: 30 * time.Second,
	}
}

func NewPool(ctx context.Context, databaseURL string, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Postgres is the durable Ledger. All rows are scoped to one account.
type Postgres struct {
	pool    *pgxpool.Pool
	account string
}

var _ Ledger = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool, accountID string) *Postgres {
	return &Postgres{pool: pool, account: accountID}
}

func (p *Postgres) AppendOrder(ctx context.Context, o models.Order) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order %s: %w", o.ID, err)
	}
	var pnl *string
	if o.RealizedPnL != nil {
		s := o.RealizedPnL.String()
		pnl = &s
	}
	_, err = p.pool.Exec(ctx, `
		insert into orders (id, account_id, cycle_id, symbol, intent, state, broker_order_id, realized_pnl, created_at, completed_at, doc)
		values ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11)
		on conflict (id) do update set
			state = excluded.state,
			broker_order_id = excluded.broker_order_id,
			realized_pnl = excluded.realized_pnl,
			completed_at = excluded.completed_at,
			doc = excluded.doc
	`, o.ID, p.account, o.CycleID, o.Candidate.Symbol, string(o.Candidate.Intent), string(o.State),
		o.BrokerOrderID, pnl, o.CreatedAt, o.CompletedAt, doc)
	if err != nil {
		return fmt.Errorf("append order %s: %w", o.ID, err)
	}
	return nil
}

func (p *Postgres) RecentOrders(ctx context.Context, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		select doc from orders
		where account_id = $1
		order by created_at desc, id desc
		limit $2
	`, p.account, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var o models.Order
		if err := json.Unmarshal(doc, &o); err != nil {
			return nil, fmt.Errorf("decode order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendEquitySnapshot(ctx context.Context, equity decimal.Decimal, at time.Time) error {
	_, err := p.pool.Exec(ctx, `
		insert into equity_snapshots (account_id, day, equity, at)
		values ($1, $2::date, $3::numeric, $4)
		on conflict (account_id, day) do update set equity = excluded.equity, at = excluded.at
	`, p.account, dayOf(at), equity.String(), at)
	if err != nil {
		return fmt.Errorf("append equity snapshot: %w", err)
	}
	return nil
}

func (p *Postgres) EquityHigh(ctx context.Context, lookbackDays int, now time.Time) (decimal.Decimal, error) {
	var high string
	err := p.pool.QueryRow(ctx, `
		select coalesce(max(equity), 0)::text from equity_snapshots
		where account_id = $1 and day between $2::date and $3::date
	`, p.account, lookbackStart(lookbackDays, now), dayOf(now)).Scan(&high)
	if err != nil {
		return decimal.Zero, fmt.Errorf("equity high: %w", err)
	}
	return decimal.NewFromString(high)
}

func (p *Postgres) AppendPortfolioSnapshot(ctx context.Context, s PortfolioSnapshot) error {
	alloc, err := json.Marshal(s.Allocations)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		insert into portfolio_snapshots (account_id, cycle_id, at, equity, cash, buying_power, allocations, positions)
		values ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7, $8)
	`, p.account, s.CycleID, s.At, s.Equity.String(), s.Cash.String(), s.BuyingPower.String(), alloc, s.Positions)
	if err != nil {
		return fmt.Errorf("append portfolio snapshot: %w", err)
	}
	return nil
}

func (p *Postgres) LoadGuardrail(ctx context.Context) (*models.GuardrailState, error) {
	var doc []byte
	err := p.pool.QueryRow(ctx, `select doc from guardrail_state where account_id = $1`, p.account).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load guardrail: %w", err)
	}
	var st models.GuardrailState
	if err := json.Unmarshal(doc, &st); err != nil {
		return nil, fmt.Errorf("decode guardrail: %w", err)
	}
	return &st, nil
}

// SaveGuardrail is a compare-and-swap on the version column.
func (p *Postgres) SaveGuardrail(ctx context.Context, st models.GuardrailState, prevVersion int64) error {
	doc, err := json.Marshal(st)
	if err != nil {
		return err
	}
	var sql string
	args := []any{p.account, st.Version, doc, st.UpdatedAt}
	if prevVersion == 0 {
		sql = `insert into guardrail_state (account_id, version, doc, updated_at) values ($1, $2, $3, $4)
			on conflict (account_id) do nothing`
	} else {
		sql = `update guardrail_state set version = $2, doc = $3, updated_at = $4
			where account_id = $1 and version = $5`
		args = append(args, prevVersion)
	}
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("save guardrail: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return models.ErrStaleGuardrailState
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}
