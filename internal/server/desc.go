package server

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "defiledger.v1.DefiLedger"

// DefiLedgerServer is the service contract registered under ServiceName.
type DefiLedgerServer interface {
	CreatePool(context.Context, *CreatePoolRequest) (*Pool, error)
	GetPool(context.Context, *GetPoolRequest) (*Pool, error)
	QuoteSwap(context.Context, *QuoteSwapRequest) (*QuoteSwapResponse, error)
	ExecuteSwap(context.Context, *ExecuteSwapRequest) (*ExecuteSwapResponse, error)
	AddLiquidity(context.Context, *AddLiquidityRequest) (*AddLiquidityResponse, error)
	RemoveLiquidity(context.Context, *RemoveLiquidityRequest) (*RemoveLiquidityResponse, error)

	CreateLendingPool(context.Context, *CreateLendingPoolRequest) (*LendingPool, error)
	GetLendingPool(context.Context, *GetLendingPoolRequest) (*LendingPool, error)
	ListLendingPools(context.Context, *ListLendingPoolsRequest) (*ListLendingPoolsResponse, error)
	Supply(context.Context, *SupplyRequest) (*SupplyResponse, error)
	Withdraw(context.Context, *SupplyRequest) (*SupplyResponse, error)

	Borrow(context.Context, *BorrowRequest) (*BorrowResponse, error)
	Repay(context.Context, *RepayRequest) (*RepayResponse, error)
	ReleaseCollateral(context.Context, *ReleaseCollateralRequest) (*ReleaseCollateralResponse, error)
	GetPositions(context.Context, *GetPositionsRequest) (*GetPositionsResponse, error)

	CanBorrow(context.Context, *CanBorrowRequest) (*CanBorrowResponse, error)
	SetScore(context.Context, *SetScoreRequest) (*SetScoreResponse, error)

	HealthFactor(context.Context, *HealthFactorRequest) (*HealthFactorResponse, error)
	Liquidate(context.Context, *LiquidateRequest) (*LiquidateResponse, error)
	FindLiquidatable(context.Context, *FindLiquidatableRequest) (*FindLiquidatableResponse, error)
}

var _ DefiLedgerServer = (*Service)(nil)

// ServiceDesc is registered without generated stubs; payloads travel with
// the json codec.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DefiLedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreatePool", DefiLedgerServer.CreatePool),
		unary("GetPool", DefiLedgerServer.GetPool),
		unary("QuoteSwap", DefiLedgerServer.QuoteSwap),
		unary("ExecuteSwap", DefiLedgerServer.ExecuteSwap),
		unary("AddLiquidity", DefiLedgerServer.AddLiquidity),
		unary("RemoveLiquidity", DefiLedgerServer.RemoveLiquidity),
		unary("CreateLendingPool", DefiLedgerServer.CreateLendingPool),
		unary("GetLendingPool", DefiLedgerServer.GetLendingPool),
		unary("ListLendingPools", DefiLedgerServer.ListLendingPools),
		unary("Supply", DefiLedgerServer.Supply),
		unary("Withdraw", DefiLedgerServer.Withdraw),
		unary("Borrow", DefiLedgerServer.Borrow),
		unary("Repay", DefiLedgerServer.Repay),
		unary("ReleaseCollateral", DefiLedgerServer.ReleaseCollateral),
		unary("GetPositions", DefiLedgerServer.GetPositions),
		unary("CanBorrow", DefiLedgerServer.CanBorrow),
		unary("SetScore", DefiLedgerServer.SetScore),
		unary("HealthFactor", DefiLedgerServer.HealthFactor),
		unary("Liquidate", DefiLedgerServer.Liquidate),
		unary("FindLiquidatable", DefiLedgerServer.FindLiquidatable),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "defiledger/v1/service",
}

// FullMethod returns the wire path of a method, e.g. for conn.Invoke.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary[Req, Resp any](name string, call func(DefiLedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(DefiLedgerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(DefiLedgerServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
