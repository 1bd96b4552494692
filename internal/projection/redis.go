package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"PerpEngine/internal/core"
	"PerpEngine/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// RedisSink mirrors hot read models into Redis hashes for dashboards and
// keepers that should not go through the engine:
//
//	{prefix}position:{market}:{account}  size, margin, last_price, funding_index, sequence
//	{prefix}order:{market}:{account}     JSON order while it is pending
//	{prefix}market:{market}              skew, size, total_margin, funding_rate, sequence
//	{prefix}sequence                     last projected sequence
type RedisSink struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisSink(client redis.UniversalClient, prefix string) *RedisSink {
	return &RedisSink{client: client, prefix: prefix}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) PositionKey(market string, account common.Address) string {
	return fmt.Sprintf("%sposition:%s:%s", s.prefix, market, account.Hex())
}

func (s *RedisSink) OrderKey(market string, account common.Address) string {
	return fmt.Sprintf("%sorder:%s:%s", s.prefix, market, account.Hex())
}

func (s *RedisSink) MarketKey(market string) string {
	return s.prefix + "market:" + market
}

func (s *RedisSink) SequenceKey() string {
	return s.prefix + "sequence"
}

// Apply writes all changes of one output in a MULTI/EXEC block.
func (s *RedisSink) Apply(ctx context.Context, out core.CoreOutput) error {
	seq := out.Envelope.Sequence
	ch := out.Changes

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if ch != nil {
			for _, p := range ch.Positions {
				pipe.HSet(ctx, s.PositionKey(p.Market, p.Account),
					"size", p.Size.String(),
					"margin", p.Margin.String(),
					"last_price", p.LastPrice.String(),
					"funding_index", p.FundingIndex,
					"sequence", seq,
				)
			}

			for _, oc := range ch.Orders {
				key := s.OrderKey(oc.Order.Market, oc.Order.Account)
				if oc.Status != state.OrderStatusPendingMinAge {
					pipe.Del(ctx, key)
					continue
				}
				data, err := json.Marshal(oc.Order)
				if err != nil {
					return err
				}
				pipe.Set(ctx, key, data, 0)
			}

			for _, mc := range ch.Markets {
				pipe.HSet(ctx, s.MarketKey(mc.Market),
					"skew", mc.Aggregate.Skew.String(),
					"size", mc.Aggregate.Size.String(),
					"total_margin", mc.Aggregate.TotalMargin.String(),
					"funding_rate", mc.FundingRate.String(),
					"sequence", seq,
				)
			}
		}
		pipe.Set(ctx, s.SequenceKey(), strconv.FormatInt(seq, 10), 0)
		return nil
	})
	return err
}

// Ping checks connectivity; used for readiness.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
