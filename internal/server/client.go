package server

import (
	"context"

	"PerpEngine/internal/query"

	"google.golang.org/grpc"
)

// Client is a typed caller for the engine service.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp, grpc.CallContentSubtype(CodecName))
}

func (c *Client) SubmitCommand(ctx context.Context, req *SubmitCommandRequest) (*SubmitCommandResponse, error) {
	resp := new(SubmitCommandResponse)
	return resp, c.invoke(ctx, "SubmitCommand", req, resp)
}

func (c *Client) GetPosition(ctx context.Context, req *PositionRequest) (*query.PositionResponse, error) {
	resp := new(query.PositionResponse)
	return resp, c.invoke(ctx, "GetPosition", req, resp)
}

func (c *Client) GetMarket(ctx context.Context, req *MarketRequest) (*query.MarketResponse, error) {
	resp := new(query.MarketResponse)
	return resp, c.invoke(ctx, "GetMarket", req, resp)
}

func (c *Client) GetBalance(ctx context.Context, req *AccountRequest) (*query.BalanceResponse, error) {
	resp := new(query.BalanceResponse)
	return resp, c.invoke(ctx, "GetBalance", req, resp)
}

func (c *Client) GetFundingHistory(ctx context.Context, req *FundingHistoryRequest) (*query.FundingHistoryResponse, error) {
	resp := new(query.FundingHistoryResponse)
	return resp, c.invoke(ctx, "GetFundingHistory", req, resp)
}

func (c *Client) GetOrderHistory(ctx context.Context, req *OrderHistoryRequest) (*query.OrderHistoryResponse, error) {
	resp := new(query.OrderHistoryResponse)
	return resp, c.invoke(ctx, "GetOrderHistory", req, resp)
}

func (c *Client) GetTrades(ctx context.Context, req *HistoryRequest) (*query.TradeHistoryResponse, error) {
	resp := new(query.TradeHistoryResponse)
	return resp, c.invoke(ctx, "GetTrades", req, resp)
}

func (c *Client) GetJournalHistory(ctx context.Context, req *HistoryRequest) (*JournalHistoryResponse, error) {
	resp := new(JournalHistoryResponse)
	return resp, c.invoke(ctx, "GetJournalHistory", req, resp)
}

func (c *Client) GetEngineStatus(ctx context.Context) (*query.EngineStatus, error) {
	resp := new(query.EngineStatus)
	return resp, c.invoke(ctx, "GetEngineStatus", &Empty{}, resp)
}

func (c *Client) VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error) {
	resp := new(query.IntegrityReport)
	return resp, c.invoke(ctx, "VerifyIntegrity", &Empty{}, resp)
}

func (c *Client) TakeSnapshot(ctx context.Context) (*SnapshotResponse, error) {
	resp := new(SnapshotResponse)
	return resp, c.invoke(ctx, "TakeSnapshot", &Empty{}, resp)
}

func (c *Client) RebuildProjections(ctx context.Context) (*RebuildResponse, error) {
	resp := new(RebuildResponse)
	return resp, c.invoke(ctx, "RebuildProjections", &Empty{}, resp)
}
