package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"PerpEngine/internal/ingestion"
	"PerpEngine/internal/observability"
	"PerpEngine/internal/projection"
	"PerpEngine/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "perpengine.v1.Engine"

// Snapshotter takes an on-demand snapshot and returns its sequence.
type Snapshotter interface {
	TakeSnapshot(ctx context.Context) (int64, error)
}

// ServerDeps holds all dependencies needed by the engine service.
type ServerDeps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	Commands      *ingestion.CommandService
	Snapshotter   Snapshotter
	HealthChecker *observability.HealthChecker
	Logger        zerolog.Logger
}

// ============================================================================
// Messages
// ============================================================================

type Empty struct{}

type SubmitCommandRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type SubmitCommandResponse struct {
	Accepted bool `json:"accepted"`
}

type PositionRequest struct {
	Market  string `json:"market"`
	Account string `json:"account"`
	At      int64  `json:"at,omitempty"`
}

type MarketRequest struct {
	Market string `json:"market"`
	At     int64  `json:"at,omitempty"`
}

type AccountRequest struct {
	Account string `json:"account"`
}

type FundingHistoryRequest struct {
	Market string `json:"market"`
	Since  int    `json:"since,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type OrderHistoryRequest struct {
	Account string `json:"account"`
	Market  string `json:"market,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// HistoryRequest pages backwards from Before (exclusive) when it is set.
type HistoryRequest struct {
	Account string `json:"account"`
	Limit   int    `json:"limit,omitempty"`
	Before  int64  `json:"before,omitempty"`
}

type JournalHistoryResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

type SnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

type RebuildResponse struct {
	Started bool `json:"started"`
}

// ============================================================================
// Service
// ============================================================================

// EngineAPI is the engine's RPC surface. EngineServer implements it and the
// HTTP gateway routes onto the same methods.
type EngineAPI interface {
	SubmitCommand(context.Context, *SubmitCommandRequest) (*SubmitCommandResponse, error)
	GetPosition(context.Context, *PositionRequest) (*query.PositionResponse, error)
	GetMarket(context.Context, *MarketRequest) (*query.MarketResponse, error)
	GetBalance(context.Context, *AccountRequest) (*query.BalanceResponse, error)
	GetFundingHistory(context.Context, *FundingHistoryRequest) (*query.FundingHistoryResponse, error)
	GetOrderHistory(context.Context, *OrderHistoryRequest) (*query.OrderHistoryResponse, error)
	GetTrades(context.Context, *HistoryRequest) (*query.TradeHistoryResponse, error)
	GetJournalHistory(context.Context, *HistoryRequest) (*JournalHistoryResponse, error)
	GetEngineStatus(context.Context, *Empty) (*query.EngineStatus, error)
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
	TakeSnapshot(context.Context, *Empty) (*SnapshotResponse, error)
	RebuildProjections(context.Context, *Empty) (*RebuildResponse, error)
}

// unary adapts a typed EngineAPI method to a grpc.MethodDesc.
func unary[Req any, Resp any](name string, call func(EngineAPI, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			api := srv.(EngineAPI)
			if interceptor == nil {
				return call(api, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
				return call(api, ctx, r.(*Req))
			})
		},
	}
}

// EngineServiceDesc describes the engine service without generated stubs;
// payloads are encoded by the JSON codec.
var EngineServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EngineAPI)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitCommand", EngineAPI.SubmitCommand),
		unary("GetPosition", EngineAPI.GetPosition),
		unary("GetMarket", EngineAPI.GetMarket),
		unary("GetBalance", EngineAPI.GetBalance),
		unary("GetFundingHistory", EngineAPI.GetFundingHistory),
		unary("GetOrderHistory", EngineAPI.GetOrderHistory),
		unary("GetTrades", EngineAPI.GetTrades),
		unary("GetJournalHistory", EngineAPI.GetJournalHistory),
		unary("GetEngineStatus", EngineAPI.GetEngineStatus),
		unary("VerifyIntegrity", EngineAPI.VerifyIntegrity),
		unary("TakeSnapshot", EngineAPI.TakeSnapshot),
		unary("RebuildProjections", EngineAPI.RebuildProjections),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "perpengine/v1/engine.proto",
}

var _ EngineAPI = (*EngineServer)(nil)

// EngineServer implements EngineAPI on top of the query and command services.
type EngineServer struct {
	db       *sql.DB
	queries  *query.QueryService
	commands *ingestion.CommandService
	snapshot Snapshotter
	log      zerolog.Logger
}

func NewEngineServer(deps *ServerDeps) *EngineServer {
	return &EngineServer{
		db:       deps.DB,
		queries:  deps.QueryService,
		commands: deps.Commands,
		snapshot: deps.Snapshotter,
		log:      deps.Logger,
	}
}

func (s *EngineServer) SubmitCommand(ctx context.Context, req *SubmitCommandRequest) (*SubmitCommandResponse, error) {
	if req.EventType == "" {
		return nil, toStatus(fmt.Errorf("%w: event_type is required", errBadRequest))
	}
	if err := s.commands.Submit(ctx, req.EventType, req.Payload); err != nil {
		return nil, toStatus(err)
	}
	return &SubmitCommandResponse{Accepted: true}, nil
}

func (s *EngineServer) GetPosition(ctx context.Context, req *PositionRequest) (*query.PositionResponse, error) {
	if req.Market == "" {
		return nil, toStatus(fmt.Errorf("%w: market is required", errBadRequest))
	}
	account, err := parseAccount(req.Account)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.queries.GetPosition(ctx, req.Market, account, req.At)
	return resp, toStatus(err)
}

func (s *EngineServer) GetMarket(ctx context.Context, req *MarketRequest) (*query.MarketResponse, error) {
	if req.Market == "" {
		return nil, toStatus(fmt.Errorf("%w: market is required", errBadRequest))
	}
	resp, err := s.queries.GetMarket(ctx, req.Market, req.At)
	return resp, toStatus(err)
}

func (s *EngineServer) GetBalance(ctx context.Context, req *AccountRequest) (*query.BalanceResponse, error) {
	account, err := parseAccount(req.Account)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.queries.GetBalance(ctx, account)
	return resp, toStatus(err)
}

func (s *EngineServer) GetFundingHistory(ctx context.Context, req *FundingHistoryRequest) (*query.FundingHistoryResponse, error) {
	if req.Market == "" {
		return nil, toStatus(fmt.Errorf("%w: market is required", errBadRequest))
	}
	resp, err := s.queries.GetFundingHistory(ctx, req.Market, req.Since, req.Limit)
	return resp, toStatus(err)
}

func (s *EngineServer) GetOrderHistory(ctx context.Context, req *OrderHistoryRequest) (*query.OrderHistoryResponse, error) {
	account, err := parseAccount(req.Account)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.queries.GetOrderHistory(ctx, account, req.Market, req.Limit)
	return resp, toStatus(err)
}

func (s *EngineServer) GetTrades(ctx context.Context, req *HistoryRequest) (*query.TradeHistoryResponse, error) {
	account, err := parseAccount(req.Account)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.queries.GetTrades(ctx, account, req.Limit, req.Before)
	return resp, toStatus(err)
}

func (s *EngineServer) GetJournalHistory(ctx context.Context, req *HistoryRequest) (*JournalHistoryResponse, error) {
	account, err := parseAccount(req.Account)
	if err != nil {
		return nil, toStatus(err)
	}
	entries, err := s.queries.GetJournalHistory(ctx, account, req.Limit, req.Before)
	if err != nil {
		return nil, toStatus(err)
	}
	return &JournalHistoryResponse{Journals: entries}, nil
}

func (s *EngineServer) GetEngineStatus(ctx context.Context, _ *Empty) (*query.EngineStatus, error) {
	resp, err := s.queries.GetEngineStatus(ctx)
	return resp, toStatus(err)
}

// --- Admin ---

func (s *EngineServer) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	report, err := s.queries.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	if !report.IsHealthy {
		s.log.Warn().
			Ints64("hash_chain_breaks", report.HashChainBreaks).
			Str("imbalance", report.Imbalance.String()).
			Msg("integrity check failed")
	}
	return report, nil
}

func (s *EngineServer) TakeSnapshot(ctx context.Context, _ *Empty) (*SnapshotResponse, error) {
	if s.snapshot == nil {
		return nil, status.Error(codes.Unavailable, "snapshots disabled")
	}
	seq, err := s.snapshot.TakeSnapshot(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SnapshotResponse{Sequence: seq}, nil
}

// RebuildProjections truncates the projection tables and rebuilds the
// balance projection from the journal. The other projections refill as new
// events are applied.
func (s *EngineServer) RebuildProjections(ctx context.Context, _ *Empty) (*RebuildResponse, error) {
	if s.db == nil {
		return nil, toStatus(query.ErrNoProjections)
	}
	if err := projection.RebuildProjections(ctx, s.db, s.log); err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild failed: %v", err)
	}
	return &RebuildResponse{Started: true}, nil
}

func parseAccount(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: invalid account %q", errBadRequest, s)
	}
	return common.HexToAddress(s), nil
}

// ============================================================================
// Transport
// ============================================================================

// GRPCServer wraps the gRPC server and the HTTP gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	api           EngineAPI
	healthChecker *observability.HealthChecker
	log           zerolog.Logger
}

// NewGRPCServer creates a new gRPC server with the engine service registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	api := NewEngineServer(deps)
	log := deps.Logger.With().Str("component", "server").Logger()

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(log)))
	grpcServer.RegisterService(&EngineServiceDesc, api)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return &GRPCServer{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		api:           api,
		healthChecker: deps.HealthChecker,
		log:           log,
	}
}

// Server exposes the underlying grpc.Server.
func (s *GRPCServer) Server() *grpc.Server { return s.grpcServer }

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the REST routes and health endpoints (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	mux, err := NewGatewayMux(s.api, s.healthChecker)
	if err != nil {
		return fmt.Errorf("gateway routes: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// loggingInterceptor logs failed calls. Rejections the caller can act on
// go to debug; everything else is a warning.
func loggingInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			code := status.Code(err)
			level := zerolog.DebugLevel
			if code == codes.Internal || code == codes.Unavailable {
				level = zerolog.WarnLevel
			}
			log.WithLevel(level).
				Str("method", info.FullMethod).
				Str("code", code.String()).
				Dur("took", time.Since(start)).
				Err(err).
				Msg("rpc failed")
		}
		return resp, err
	}
}
