package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"DefiLedger/internal/asset"
	fpmath "DefiLedger/internal/math"
	"DefiLedger/internal/state"
	"DefiLedger/internal/store"
)

const uniqueViolation = "23505"

// PostgresStore is the Position Store on PostgreSQL. Writes are version
// checked: inserts require Version 0, updates match on the stored version.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ store.Store = (*PostgresStore)(nil)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", store.ErrNotFound, what)
	}
	return err
}

// insertOrConflict maps a duplicate key to ErrVersionConflict.
func insertOrConflict(err error, what string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s already exists", store.ErrVersionConflict, what)
	}
	return err
}

// updated checks that exactly one row matched the version predicate.
func updated(res sql.Result, err error, what string, version int64) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s write based on version %d", store.ErrVersionConflict, what, version)
	}
	return nil
}

// --- Pools ---

const poolColumns = `id, asset_a, asset_b, reserve_a, reserve_b, fee_bps, total_shares, custody_account, version, updated_at`

func scanPool(row rowScanner) (*state.Pool, error) {
	var p state.Pool
	err := row.Scan(&p.ID, &p.AssetA, &p.AssetB, &p.ReserveA, &p.ReserveB, &p.FeeBps,
		&p.TotalShares, &p.CustodyAccount, &p.Version, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetPool(ctx context.Context, id string) (*state.Pool, error) {
	p, err := scanPool(s.db.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "pool "+id)
	}
	return p, nil
}

func (s *PostgresStore) SavePool(ctx context.Context, p *state.Pool) error {
	now := time.Now().UTC()
	what := "pool " + p.ID
	if p.Version == 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO pools (`+poolColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9)`,
			p.ID, p.AssetA, p.AssetB, p.ReserveA, p.ReserveB, p.FeeBps, p.TotalShares, p.CustodyAccount, now)
		if err != nil {
			return insertOrConflict(err, what)
		}
	} else {
		res, err := s.db.ExecContext(ctx, `
			UPDATE pools
			SET reserve_a = $2, reserve_b = $3, fee_bps = $4, total_shares = $5,
			    custody_account = $6, version = version + 1, updated_at = $7
			WHERE id = $1 AND version = $8`,
			p.ID, p.ReserveA, p.ReserveB, p.FeeBps, p.TotalShares, p.CustodyAccount, now, p.Version)
		if err := updated(res, err, what, p.Version); err != nil {
			return err
		}
	}
	p.Version++
	p.UpdatedAt = now
	return nil
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]*state.Pool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+poolColumns+` FROM pools ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*state.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Lending pools ---

const lendingColumns = `id, asset, total_supply, total_borrow, supply_rate, borrow_rate, collateral_factor,
	reserve_buffer, collateral_assets, collateral_ltvs, custody_account, version, updated_at`

func scanLendingPool(row rowScanner) (*state.LendingPool, error) {
	var (
		lp     state.LendingPool
		assets []string
		ltvs   []string
	)
	err := row.Scan(&lp.ID, &lp.Asset, &lp.TotalSupply, &lp.TotalBorrow, &lp.SupplyRate, &lp.BorrowRate,
		&lp.CollateralFactor, &lp.ReserveBuffer, pq.Array(&assets), pq.Array(&ltvs),
		&lp.CustodyAccount, &lp.Version, &lp.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(assets) != len(ltvs) {
		return nil, fmt.Errorf("lending pool %s: %d collateral assets but %d ltvs", lp.ID, len(assets), len(ltvs))
	}
	for i := range assets {
		a, err := asset.Parse(assets[i])
		if err != nil {
			return nil, err
		}
		ltv, err := fpmath.ParseAmount(ltvs[i])
		if err != nil {
			return nil, err
		}
		lp.CollateralAssets = append(lp.CollateralAssets, state.CollateralAsset{Asset: a, LTV: ltv})
	}
	return &lp, nil
}

func collateralArrays(lp *state.LendingPool) (assets, ltvs []string) {
	for _, ca := range lp.CollateralAssets {
		assets = append(assets, ca.Asset.Key())
		ltvs = append(ltvs, ca.LTV.String())
	}
	return assets, ltvs
}

func (s *PostgresStore) GetLendingPool(ctx context.Context, id string) (*state.LendingPool, error) {
	lp, err := scanLendingPool(s.db.QueryRowContext(ctx, `SELECT `+lendingColumns+` FROM lending_pools WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "lending pool "+id)
	}
	return lp, nil
}

func (s *PostgresStore) SaveLendingPool(ctx context.Context, lp *state.LendingPool) error {
	now := time.Now().UTC()
	what := "lending pool " + lp.ID
	assets, ltvs := collateralArrays(lp)
	if lp.Version == 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO lending_pools (`+lendingColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1, $12)`,
			lp.ID, lp.Asset, lp.TotalSupply, lp.TotalBorrow, lp.SupplyRate, lp.BorrowRate,
			lp.CollateralFactor, lp.ReserveBuffer, pq.Array(assets), pq.Array(ltvs), lp.CustodyAccount, now)
		if err != nil {
			return insertOrConflict(err, what)
		}
	} else {
		res, err := s.db.ExecContext(ctx, `
			UPDATE lending_pools
			SET total_supply = $2, total_borrow = $3, supply_rate = $4, borrow_rate = $5,
			    collateral_factor = $6, reserve_buffer = $7, collateral_assets = $8, collateral_ltvs = $9,
			    custody_account = $10, version = version + 1, updated_at = $11
			WHERE id = $1 AND version = $12`,
			lp.ID, lp.TotalSupply, lp.TotalBorrow, lp.SupplyRate, lp.BorrowRate, lp.CollateralFactor,
			lp.ReserveBuffer, pq.Array(assets), pq.Array(ltvs), lp.CustodyAccount, now, lp.Version)
		if err := updated(res, err, what, lp.Version); err != nil {
			return err
		}
	}
	lp.Version++
	lp.UpdatedAt = now
	return nil
}

func (s *PostgresStore) ListLendingPools(ctx context.Context) ([]*state.LendingPool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+lendingColumns+` FROM lending_pools ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*state.LendingPool
	for rows.Next() {
		lp, err := scanLendingPool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lp)
	}
	return out, rows.Err()
}

// --- Liquidity shares ---

func (s *PostgresStore) GetLiquidityShare(ctx context.Context, userID, poolID string) (*state.LiquidityShare, error) {
	ls := state.LiquidityShare{UserID: userID, PoolID: poolID}
	err := s.db.QueryRowContext(ctx,
		`SELECT shares, version, updated_at FROM liquidity_shares WHERE user_id = $1 AND pool_id = $2`,
		userID, poolID,
	).Scan(&ls.Shares, &ls.Version, &ls.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "liquidity share "+userID+"/"+poolID)
	}
	return &ls, nil
}

func (s *PostgresStore) SaveLiquidityShare(ctx context.Context, ls *state.LiquidityShare) error {
	now := time.Now().UTC()
	what := "liquidity share " + ls.UserID + "/" + ls.PoolID
	if ls.Version == 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO liquidity_shares (user_id, pool_id, shares, version, updated_at)
			VALUES ($1, $2, $3, 1, $4)`,
			ls.UserID, ls.PoolID, ls.Shares, now)
		if err != nil {
			return insertOrConflict(err, what)
		}
	} else {
		res, err := s.db.ExecContext(ctx, `
			UPDATE liquidity_shares SET shares = $3, version = version + 1, updated_at = $4
			WHERE user_id = $1 AND pool_id = $2 AND version = $5`,
			ls.UserID, ls.PoolID, ls.Shares, now, ls.Version)
		if err := updated(res, err, what, ls.Version); err != nil {
			return err
		}
	}
	ls.Version++
	ls.UpdatedAt = now
	return nil
}

func (s *PostgresStore) DeleteLiquidityShare(ctx context.Context, ls *state.LiquidityShare) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM liquidity_shares WHERE user_id = $1 AND pool_id = $2 AND version = $3`,
		ls.UserID, ls.PoolID, ls.Version)
	return updated(res, err, "liquidity share "+ls.UserID+"/"+ls.PoolID, ls.Version)
}

// --- Supply positions ---

func (s *PostgresStore) GetSupplyPosition(ctx context.Context, userID, poolID string) (*state.SupplyPosition, error) {
	sp := state.SupplyPosition{UserID: userID, PoolID: poolID}
	err := s.db.QueryRowContext(ctx,
		`SELECT amount, version, updated_at FROM supply_positions WHERE user_id = $1 AND pool_id = $2`,
		userID, poolID,
	).Scan(&sp.Amount, &sp.Version, &sp.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "supply position "+userID+"/"+poolID)
	}
	return &sp, nil
}

func (s *PostgresStore) SaveSupplyPosition(ctx context.Context, sp *state.SupplyPosition) error {
	now := time.Now().UTC()
	what := "supply position " + sp.UserID + "/" + sp.PoolID
	if sp.Version == 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO supply_positions (user_id, pool_id, amount, version, updated_at)
			VALUES ($1, $2, $3, 1, $4)`,
			sp.UserID, sp.PoolID, sp.Amount, now)
		if err != nil {
			return insertOrConflict(err, what)
		}
	} else {
		res, err := s.db.ExecContext(ctx, `
			UPDATE supply_positions SET amount = $3, version = version + 1, updated_at = $4
			WHERE user_id = $1 AND pool_id = $2 AND version = $5`,
			sp.UserID, sp.PoolID, sp.Amount, now, sp.Version)
		if err := updated(res, err, what, sp.Version); err != nil {
			return err
		}
	}
	sp.Version++
	sp.UpdatedAt = now
	return nil
}

func (s *PostgresStore) DeleteSupplyPosition(ctx context.Context, sp *state.SupplyPosition) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM supply_positions WHERE user_id = $1 AND pool_id = $2 AND version = $3`,
		sp.UserID, sp.PoolID, sp.Version)
	return updated(res, err, "supply position "+sp.UserID+"/"+sp.PoolID, sp.Version)
}

func (s *PostgresStore) ListSupplyPositions(ctx context.Context, userID string) ([]*state.SupplyPosition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pool_id, amount, version, updated_at FROM supply_positions WHERE user_id = $1 ORDER BY pool_id`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*state.SupplyPosition
	for rows.Next() {
		sp := state.SupplyPosition{UserID: userID}
		if err := rows.Scan(&sp.PoolID, &sp.Amount, &sp.Version, &sp.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &sp)
	}
	return out, rows.Err()
}

// --- Borrow positions ---

const borrowColumns = `id, user_id, pool_id, collateral_asset, collateral_amount, borrowed_asset, borrowed_amount,
	carried_interest, rate_yearly, rate_monthly, ltv, health_factor, status, created_at, accrual_start,
	repaid_at, liquidated_at, version`

func scanBorrowPosition(row rowScanner) (*state.BorrowPosition, error) {
	var (
		bp         state.BorrowPosition
		status     string
		repaid     sql.NullTime
		liquidated sql.NullTime
	)
	err := row.Scan(&bp.ID, &bp.UserID, &bp.PoolID, &bp.CollateralAsset, &bp.CollateralAmount,
		&bp.BorrowedAsset, &bp.BorrowedAmount, &bp.CarriedInterest, &bp.RateYearly, &bp.RateMonthly,
		&bp.LTV, &bp.HealthFactor, &status, &bp.CreatedAt, &bp.AccrualStart, &repaid, &liquidated, &bp.Version)
	if err != nil {
		return nil, err
	}
	st, ok := state.ParsePositionStatus(status)
	if !ok {
		return nil, fmt.Errorf("borrow position %s: unknown status %q", bp.ID, status)
	}
	bp.Status = st
	if repaid.Valid {
		t := repaid.Time
		bp.RepaidAt = &t
	}
	if liquidated.Valid {
		t := liquidated.Time
		bp.LiquidatedAt = &t
	}
	return &bp, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (s *PostgresStore) GetBorrowPosition(ctx context.Context, id uuid.UUID) (*state.BorrowPosition, error) {
	bp, err := scanBorrowPosition(s.db.QueryRowContext(ctx, `SELECT `+borrowColumns+` FROM borrow_positions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "borrow position "+id.String())
	}
	return bp, nil
}

func (s *PostgresStore) SaveBorrowPosition(ctx context.Context, bp *state.BorrowPosition) error {
	what := "borrow position " + bp.ID.String()
	if bp.Version == 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO borrow_positions (`+borrowColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1)`,
			bp.ID, bp.UserID, bp.PoolID, bp.CollateralAsset, bp.CollateralAmount, bp.BorrowedAsset,
			bp.BorrowedAmount, bp.CarriedInterest, bp.RateYearly, bp.RateMonthly, bp.LTV, bp.HealthFactor,
			bp.Status.String(), bp.CreatedAt, bp.AccrualStart, nullTime(bp.RepaidAt), nullTime(bp.LiquidatedAt))
		if err != nil {
			return insertOrConflict(err, what)
		}
	} else {
		res, err := s.db.ExecContext(ctx, `
			UPDATE borrow_positions
			SET collateral_amount = $2, borrowed_amount = $3, carried_interest = $4, health_factor = $5,
			    status = $6, accrual_start = $7, repaid_at = $8, liquidated_at = $9, version = version + 1
			WHERE id = $1 AND version = $10`,
			bp.ID, bp.CollateralAmount, bp.BorrowedAmount, bp.CarriedInterest, bp.HealthFactor,
			bp.Status.String(), bp.AccrualStart, nullTime(bp.RepaidAt), nullTime(bp.LiquidatedAt), bp.Version)
		if err := updated(res, err, what, bp.Version); err != nil {
			return err
		}
	}
	bp.Version++
	return nil
}

func (s *PostgresStore) listBorrow(ctx context.Context, where string, args ...interface{}) ([]*state.BorrowPosition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+borrowColumns+` FROM borrow_positions WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*state.BorrowPosition
	for rows.Next() {
		bp, err := scanBorrowPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, bp)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListBorrowPositions(ctx context.Context, userID string) ([]*state.BorrowPosition, error) {
	return s.listBorrow(ctx, `user_id = $1`, userID)
}

func (s *PostgresStore) ListActiveBorrowPositions(ctx context.Context) ([]*state.BorrowPosition, error) {
	return s.listBorrow(ctx, `status = 'active'`)
}

// --- Credit scores ---

func (s *PostgresStore) GetCreditScore(ctx context.Context, userID string) (*state.CreditScore, error) {
	cs := state.CreditScore{UserID: userID}
	err := s.db.QueryRowContext(ctx,
		`SELECT score, version, updated_at FROM credit_scores WHERE user_id = $1`, userID,
	).Scan(&cs.Score, &cs.Version, &cs.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "credit score "+userID)
	}
	return &cs, nil
}

func (s *PostgresStore) SaveCreditScore(ctx context.Context, cs *state.CreditScore) error {
	now := time.Now().UTC()
	what := "credit score " + cs.UserID
	if cs.Version == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO credit_scores (user_id, score, version, updated_at) VALUES ($1, $2, 1, $3)`,
			cs.UserID, cs.Score, now)
		if err != nil {
			return insertOrConflict(err, what)
		}
	} else {
		res, err := s.db.ExecContext(ctx, `
			UPDATE credit_scores SET score = $2, version = version + 1, updated_at = $3
			WHERE user_id = $1 AND version = $4`,
			cs.UserID, cs.Score, now, cs.Version)
		if err := updated(res, err, what, cs.Version); err != nil {
			return err
		}
	}
	cs.Version++
	cs.UpdatedAt = now
	return nil
}

// Ping checks connectivity for readiness checks.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
