package server

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"DefiLedger/internal/core"
	"DefiLedger/internal/credit"
	"DefiLedger/internal/fault"
	"DefiLedger/internal/lending"
	"DefiLedger/internal/liquidation"
	fpmath "DefiLedger/internal/math"
	"DefiLedger/internal/state"
	"DefiLedger/internal/swap"
)

// Deps holds the engines the service fronts.
type Deps struct {
	Swap        *swap.Engine
	Lending     *lending.Engine
	Credit      *credit.Engine
	Liquidation *liquidation.Engine
	Guard       *core.RequestGuard // optional request-id deduplication

	// DefaultReserveBuffer applies to lending pools created without one.
	DefaultReserveBuffer fpmath.Amount
}

// Service exposes every engine operation over gRPC.
type Service struct {
	deps   Deps
	logger zerolog.Logger
}

func NewService(deps Deps, logger zerolog.Logger) *Service {
	return &Service{deps: deps, logger: logger}
}

// reserve claims requestID for op before the operation runs. The returned
// func hands the operation's outcome back to the guard.
func (s *Service) reserve(ctx context.Context, op, requestID string) (func(error), error) {
	if s.deps.Guard == nil {
		return func(error) {}, nil
	}
	if err := s.deps.Guard.Reserve(ctx, op, requestID); err != nil {
		return nil, err
	}
	return func(err error) { s.deps.Guard.Complete(ctx, op, requestID, err) }, nil
}

// ============================================================================
// Swaps
// ============================================================================

func (s *Service) CreatePool(ctx context.Context, req *CreatePoolRequest) (*Pool, error) {
	p, err := s.deps.Swap.CreatePool(ctx, req.PoolID, req.AssetA, req.AssetB, req.ReserveA, req.ReserveB, req.FeeBps, req.CustodyAccount)
	if err != nil {
		return nil, err
	}
	resp := toPool(p)
	return &resp, nil
}

func (s *Service) GetPool(ctx context.Context, req *GetPoolRequest) (*Pool, error) {
	if req.PoolID == "" {
		return nil, fault.Invalid("pool_id", "must be set")
	}
	p, err := s.deps.Swap.GetPool(ctx, req.PoolID)
	if err != nil {
		return nil, err
	}
	resp := toPool(p)
	return &resp, nil
}

func (s *Service) QuoteSwap(ctx context.Context, req *QuoteSwapRequest) (*QuoteSwapResponse, error) {
	q, err := s.deps.Swap.QuoteSwap(ctx, quoteRequest(req))
	if err != nil {
		return nil, err
	}
	resp := toQuote(q)
	return &resp, nil
}

func (s *Service) ExecuteSwap(ctx context.Context, req *ExecuteSwapRequest) (*ExecuteSwapResponse, error) {
	done, err := s.reserve(ctx, "swap", req.RequestID)
	if err != nil {
		return nil, err
	}
	res, err := s.deps.Swap.ExecuteSwap(ctx, swap.ExecuteRequest{
		QuoteRequest: quoteRequest(&req.QuoteSwapRequest),
		UserAccount:  req.UserAccount,
		MinOut:       req.MinOut,
	})
	done(err)
	if err != nil {
		return nil, err
	}

	resp := &ExecuteSwapResponse{
		QuoteSwapResponse: toQuote(res.QuoteResult),
		PlanID:            res.PlanID,
		TxIDs:             res.TxIDs,
		FeeCollected:      res.FeeCollected,
	}
	if res.Pool != nil {
		resp.Pool = toPool(res.Pool)
	}
	return resp, nil
}

func (s *Service) AddLiquidity(ctx context.Context, req *AddLiquidityRequest) (*AddLiquidityResponse, error) {
	done, err := s.reserve(ctx, "add_liquidity", req.RequestID)
	if err != nil {
		return nil, err
	}
	res, err := s.deps.Swap.AddLiquidity(ctx, swap.AddLiquidityRequest{
		PoolID:      req.PoolID,
		UserAccount: req.UserAccount,
		AmountA:     req.AmountA,
		AmountB:     req.AmountB,
	})
	done(err)
	if err != nil {
		return nil, err
	}
	return &AddLiquidityResponse{
		PlanID:      res.PlanID,
		UsedA:       res.UsedA,
		UsedB:       res.UsedB,
		Minted:      res.Minted,
		TotalShares: res.TotalShares,
		TxIDs:       res.TxIDs,
		Pool:        toPool(res.Pool),
	}, nil
}

func (s *Service) RemoveLiquidity(ctx context.Context, req *RemoveLiquidityRequest) (*RemoveLiquidityResponse, error) {
	done, err := s.reserve(ctx, "remove_liquidity", req.RequestID)
	if err != nil {
		return nil, err
	}
	res, err := s.deps.Swap.RemoveLiquidity(ctx, swap.RemoveLiquidityRequest{
		PoolID:      req.PoolID,
		UserAccount: req.UserAccount,
		Shares:      req.Shares,
	})
	done(err)
	if err != nil {
		return nil, err
	}
	return &RemoveLiquidityResponse{
		PlanID:          res.PlanID,
		AmountA:         res.AmountA,
		AmountB:         res.AmountB,
		Burned:          res.Burned,
		RemainingShares: res.RemainingShares,
		TxIDs:           res.TxIDs,
		Pool:            toPool(res.Pool),
	}, nil
}

func quoteRequest(req *QuoteSwapRequest) swap.QuoteRequest {
	return swap.QuoteRequest{
		PoolID:          req.PoolID,
		From:            req.From,
		To:              req.To,
		Amount:          req.Amount,
		SlippagePercent: req.SlippagePercent,
		CallerBalance:   req.CallerBalance,
		NativeBalance:   req.NativeBalance,
	}
}

// ============================================================================
// Lending pools and supply
// ============================================================================

func (s *Service) CreateLendingPool(ctx context.Context, req *CreateLendingPoolRequest) (*LendingPool, error) {
	buffer := s.deps.DefaultReserveBuffer
	if req.ReserveBuffer != nil {
		buffer = *req.ReserveBuffer
	}
	lp, err := s.deps.Lending.CreateLendingPool(ctx, &state.LendingPool{
		ID:               req.PoolID,
		Asset:            req.Asset,
		TotalSupply:      req.TotalSupply,
		CollateralFactor: req.CollateralFactor,
		ReserveBuffer:    buffer,
		CollateralAssets: req.CollateralAssets,
		CustodyAccount:   req.CustodyAccount,
		UpdatedAt:        time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	resp := toLendingPool(lp)
	return &resp, nil
}

func (s *Service) GetLendingPool(ctx context.Context, req *GetLendingPoolRequest) (*LendingPool, error) {
	if req.PoolID == "" {
		return nil, fault.Invalid("pool_id", "must be set")
	}
	lp, err := s.deps.Lending.GetLendingPool(ctx, req.PoolID)
	if err != nil {
		return nil, err
	}
	resp := toLendingPool(lp)
	return &resp, nil
}

func (s *Service) ListLendingPools(ctx context.Context, _ *ListLendingPoolsRequest) (*ListLendingPoolsResponse, error) {
	pools, err := s.deps.Lending.ListLendingPools(ctx)
	if err != nil {
		return nil, err
	}
	resp := &ListLendingPoolsResponse{Pools: make([]LendingPool, 0, len(pools))}
	for _, lp := range pools {
		resp.Pools = append(resp.Pools, toLendingPool(lp))
	}
	return resp, nil
}

func (s *Service) Supply(ctx context.Context, req *SupplyRequest) (*SupplyResponse, error) {
	return s.supplyOp(ctx, "supply", req, s.deps.Lending.Supply)
}

func (s *Service) Withdraw(ctx context.Context, req *SupplyRequest) (*SupplyResponse, error) {
	return s.supplyOp(ctx, "withdraw", req, s.deps.Lending.Withdraw)
}

func (s *Service) supplyOp(
	ctx context.Context,
	op string,
	req *SupplyRequest,
	call func(context.Context, string, string, fpmath.Amount) (lending.SupplyResult, error),
) (*SupplyResponse, error) {
	done, err := s.reserve(ctx, op, req.RequestID)
	if err != nil {
		return nil, err
	}
	res, err := call(ctx, req.PoolID, req.UserID, req.Amount)
	done(err)
	if err != nil {
		return nil, err
	}

	resp := &SupplyResponse{
		PlanID:       res.PlanID,
		Gross:        res.Gross,
		Net:          res.Net,
		Fee:          res.Fee,
		FeeCollected: res.FeeCollected,
		TxIDs:        res.TxIDs,
	}
	if res.Position != nil {
		resp.PositionAmount = res.Position.Amount
	}
	if res.Pool != nil {
		resp.Pool = toLendingPool(res.Pool)
	}
	return resp, nil
}

// ============================================================================
// Borrowing
// ============================================================================

func (s *Service) Borrow(ctx context.Context, req *BorrowRequest) (*BorrowResponse, error) {
	done, err := s.reserve(ctx, "borrow", req.RequestID)
	if err != nil {
		return nil, err
	}
	res, err := s.deps.Lending.Borrow(ctx, lending.BorrowRequest{
		PoolID:           req.PoolID,
		UserID:           req.UserID,
		CollateralAsset:  req.CollateralAsset,
		CollateralAmount: req.CollateralAmount,
		BorrowAmount:     req.BorrowAmount,
	})
	done(err)
	if err != nil {
		return nil, err
	}

	return &BorrowResponse{
		PlanID:          res.PlanID,
		Position:        toBorrowPosition(res.Position),
		CreditScore:     res.CreditScore,
		CollateralValue: res.CollateralValue,
		BorrowValue:     res.BorrowValue,
		TxIDs:           res.TxIDs,
	}, nil
}

func (s *Service) Repay(ctx context.Context, req *RepayRequest) (*RepayResponse, error) {
	done, err := s.reserve(ctx, "repay", req.RequestID)
	if err != nil {
		return nil, err
	}
	res, err := s.deps.Lending.Repay(ctx, req.PositionID, req.Amount)
	done(err)
	if err != nil {
		return nil, err
	}

	return &RepayResponse{
		PlanID:             res.PlanID,
		Paid:               res.Paid,
		InterestPaid:       res.InterestPaid,
		PrincipalPaid:      res.PrincipalPaid,
		RemainingDebt:      res.RemainingDebt,
		Position:           toBorrowPosition(res.Position),
		CollateralReleased: res.CollateralReleased,
		ReleasePending:     res.ReleasePending,
		TxIDs:              res.TxIDs,
	}, nil
}

func (s *Service) ReleaseCollateral(ctx context.Context, req *ReleaseCollateralRequest) (*ReleaseCollateralResponse, error) {
	res, err := s.deps.Lending.ReleaseCollateral(ctx, req.PositionID)
	if err != nil {
		return nil, err
	}
	return &ReleaseCollateralResponse{PlanID: res.PlanID, Amount: res.Amount, TxIDs: res.TxIDs}, nil
}

func (s *Service) GetPositions(ctx context.Context, req *GetPositionsRequest) (*GetPositionsResponse, error) {
	p, err := s.deps.Lending.GetPositions(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	return toPositions(p), nil
}

// ============================================================================
// Credit
// ============================================================================

func (s *Service) CanBorrow(ctx context.Context, req *CanBorrowRequest) (*CanBorrowResponse, error) {
	if req.UserID == "" {
		return nil, fault.Invalid("user_id", "must be set")
	}
	ok, score, err := s.deps.Credit.CanBorrow(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	return &CanBorrowResponse{Eligible: ok, Score: score}, nil
}

func (s *Service) SetScore(ctx context.Context, req *SetScoreRequest) (*SetScoreResponse, error) {
	cs, err := s.deps.Credit.SetScore(ctx, req.UserID, req.Score)
	if err != nil {
		return nil, err
	}
	return &SetScoreResponse{UserID: cs.UserID, Score: cs.Score, UpdatedAt: cs.UpdatedAt}, nil
}

// ============================================================================
// Liquidation
// ============================================================================

func (s *Service) HealthFactor(ctx context.Context, req *HealthFactorRequest) (*HealthFactorResponse, error) {
	hf, err := s.deps.Liquidation.HealthFactor(ctx, req.PositionID)
	if err != nil {
		return nil, err
	}
	return &HealthFactorResponse{
		PositionID:   req.PositionID,
		HealthFactor: hf,
		Liquidatable: hf < s.deps.Liquidation.Threshold(),
	}, nil
}

func (s *Service) Liquidate(ctx context.Context, req *LiquidateRequest) (*LiquidateResponse, error) {
	done, err := s.reserve(ctx, "liquidate", req.RequestID)
	if err != nil {
		return nil, err
	}
	res, err := s.deps.Liquidation.Liquidate(ctx, liquidation.Request{
		PositionID:  req.PositionID,
		RepayAmount: req.RepayAmount,
		Liquidator:  req.Liquidator,
	})
	done(err)
	if err != nil {
		return nil, err
	}

	return &LiquidateResponse{
		PlanID:             res.PlanID,
		Repaid:             res.Repaid,
		InterestPaid:       res.InterestPaid,
		PrincipalPaid:      res.PrincipalPaid,
		Seized:             res.Seized,
		SeizedNet:          res.SeizedNet,
		Fee:                res.Fee,
		FeeCollected:       res.FeeCollected,
		HealthBefore:       res.HealthBefore,
		HealthAfter:        res.HealthAfter,
		RemainingDebt:      res.RemainingDebt,
		Position:           toBorrowPosition(res.Position),
		CollateralReleased: res.CollateralReleased,
		ReleasePending:     res.ReleasePending,
		TxIDs:              res.TxIDs,
	}, nil
}

func (s *Service) FindLiquidatable(ctx context.Context, _ *FindLiquidatableRequest) (*FindLiquidatableResponse, error) {
	found, err := s.deps.Liquidation.FindLiquidatable(ctx)
	if err != nil {
		return nil, err
	}
	resp := &FindLiquidatableResponse{Candidates: make([]LiquidationCandidate, 0, len(found))}
	for _, a := range found {
		resp.Candidates = append(resp.Candidates, toCandidate(a))
	}
	return resp, nil
}
