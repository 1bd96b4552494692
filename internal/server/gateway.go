package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"PerpEngine/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

const maxCommandBytes = 1 << 20

// NewGatewayMux builds the HTTP/JSON surface. Routes call the EngineAPI
// directly, so HTTP and gRPC share validation and error mapping.
func NewGatewayMux(api EngineAPI, hc *observability.HealthChecker) (*runtime.ServeMux, error) {
	marshaler := &runtime.JSONBuiltin{}
	mux := runtime.NewServeMux(runtime.WithMarshalerOption(runtime.MIMEWildcard, marshaler))
	g := &gateway{api: api, mux: mux, marshaler: marshaler}

	routes := []struct {
		method, path string
		h            runtime.HandlerFunc
	}{
		{"POST", "/v1/commands/{event_type}", g.submitCommand},
		{"GET", "/v1/status", g.engineStatus},
		{"GET", "/v1/markets/{market}", g.market},
		{"GET", "/v1/markets/{market}/funding", g.fundingHistory},
		{"GET", "/v1/markets/{market}/positions/{account}", g.position},
		{"GET", "/v1/accounts/{account}/balance", g.balance},
		{"GET", "/v1/accounts/{account}/orders", g.orderHistory},
		{"GET", "/v1/accounts/{account}/trades", g.trades},
		{"GET", "/v1/accounts/{account}/journals", g.journals},
		{"POST", "/v1/admin/verify", g.verify},
		{"POST", "/v1/admin/snapshot", g.snapshot},
		{"POST", "/v1/admin/rebuild-projections", g.rebuild},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, r.h); err != nil {
			return nil, fmt.Errorf("%s %s: %w", r.method, r.path, err)
		}
	}

	if hc != nil {
		if err := mux.HandlePath("GET", "/healthz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			hc.LivenessHandler(w, r)
		}); err != nil {
			return nil, err
		}
		if err := mux.HandlePath("GET", "/readyz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			hc.ReadinessHandler(w, r)
		}); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

type gateway struct {
	api       EngineAPI
	mux       *runtime.ServeMux
	marshaler runtime.Marshaler
}

// reply writes resp, or err mapped through the gRPC status code.
func (g *gateway) reply(w http.ResponseWriter, r *http.Request, resp any, err error) {
	if err != nil {
		runtime.HTTPError(r.Context(), g.mux, g.marshaler, w, r, toStatus(err))
		return
	}
	body, err := g.marshaler.Marshal(resp)
	if err != nil {
		runtime.HTTPError(r.Context(), g.mux, g.marshaler, w, r, toStatus(err))
		return
	}
	w.Header().Set("Content-Type", g.marshaler.ContentType(resp))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (g *gateway) fail(w http.ResponseWriter, r *http.Request, err error) {
	g.reply(w, r, nil, err)
}

func (g *gateway) submitCommand(w http.ResponseWriter, r *http.Request, params map[string]string) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCommandBytes))
	if err != nil {
		g.fail(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	resp, err := g.api.SubmitCommand(r.Context(), &SubmitCommandRequest{EventType: params["event_type"], Payload: payload})
	g.reply(w, r, resp, err)
}

func (g *gateway) engineStatus(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := g.api.GetEngineStatus(r.Context(), &Empty{})
	g.reply(w, r, resp, err)
}

func (g *gateway) market(w http.ResponseWriter, r *http.Request, params map[string]string) {
	at, err := queryInt64(r, "at")
	if err != nil {
		g.fail(w, r, err)
		return
	}
	resp, err := g.api.GetMarket(r.Context(), &MarketRequest{Market: params["market"], At: at})
	g.reply(w, r, resp, err)
}

func (g *gateway) fundingHistory(w http.ResponseWriter, r *http.Request, params map[string]string) {
	since, err := queryInt64(r, "since")
	if err != nil {
		g.fail(w, r, err)
		return
	}
	limit, err := queryInt64(r, "limit")
	if err != nil {
		g.fail(w, r, err)
		return
	}
	resp, err := g.api.GetFundingHistory(r.Context(), &FundingHistoryRequest{
		Market: params["market"],
		Since:  int(since),
		Limit:  int(limit),
	})
	g.reply(w, r, resp, err)
}

func (g *gateway) position(w http.ResponseWriter, r *http.Request, params map[string]string) {
	at, err := queryInt64(r, "at")
	if err != nil {
		g.fail(w, r, err)
		return
	}
	resp, err := g.api.GetPosition(r.Context(), &PositionRequest{Market: params["market"], Account: params["account"], At: at})
	g.reply(w, r, resp, err)
}

func (g *gateway) balance(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := g.api.GetBalance(r.Context(), &AccountRequest{Account: params["account"]})
	g.reply(w, r, resp, err)
}

func (g *gateway) orderHistory(w http.ResponseWriter, r *http.Request, params map[string]string) {
	limit, err := queryInt64(r, "limit")
	if err != nil {
		g.fail(w, r, err)
		return
	}
	resp, err := g.api.GetOrderHistory(r.Context(), &OrderHistoryRequest{
		Account: params["account"],
		Market:  r.URL.Query().Get("market"),
		Limit:   int(limit),
	})
	g.reply(w, r, resp, err)
}

func (g *gateway) history(r *http.Request, params map[string]string) (*HistoryRequest, error) {
	limit, err := queryInt64(r, "limit")
	if err != nil {
		return nil, err
	}
	before, err := queryInt64(r, "before")
	if err != nil {
		return nil, err
	}
	return &HistoryRequest{Account: params["account"], Limit: int(limit), Before: before}, nil
}

func (g *gateway) trades(w http.ResponseWriter, r *http.Request, params map[string]string) {
	req, err := g.history(r, params)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	resp, err := g.api.GetTrades(r.Context(), req)
	g.reply(w, r, resp, err)
}

func (g *gateway) journals(w http.ResponseWriter, r *http.Request, params map[string]string) {
	req, err := g.history(r, params)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	resp, err := g.api.GetJournalHistory(r.Context(), req)
	g.reply(w, r, resp, err)
}

func (g *gateway) verify(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := g.api.VerifyIntegrity(r.Context(), &Empty{})
	g.reply(w, r, resp, err)
}

func (g *gateway) snapshot(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := g.api.TakeSnapshot(r.Context(), &Empty{})
	g.reply(w, r, resp, err)
}

func (g *gateway) rebuild(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := g.api.RebuildProjections(r.Context(), &Empty{})
	g.reply(w, r, resp, err)
}

func queryInt64(r *http.Request, key string) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", errBadRequest, key, raw)
	}
	return v, nil
}

