package query

import (
	"context"

	"PerpEngine/internal/core"
	"PerpEngine/internal/ledger"
	fpmath "PerpEngine/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceResponse is an account's ledger balances across markets.
type BalanceResponse struct {
	Account string `json:"account"`

	// Ledger balances
	Wallet fpmath.Decimal            `json:"wallet"`
	Margin map[string]fpmath.Decimal `json:"margin"` // market -> recorded margin
	Escrow map[string]fpmath.Decimal `json:"escrow"` // market -> order deposits

	// Total is wallet plus recorded margin and escrow. It excludes
	// unrealized PnL and funding; see GetPosition for those.
	Total fpmath.Decimal `json:"total"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// GetBalance reads an account's balances from the engine.
func (qs *QueryService) GetBalance(ctx context.Context, account common.Address) (*BalanceResponse, error) {
	var resp *BalanceResponse
	err := qs.run(ctx, "GetBalance", func(c *core.DeterministicCore) error {
		resp = &BalanceResponse{
			Account:      account.Hex(),
			Wallet:       c.Balance(ledger.WalletKey(account)),
			Margin:       make(map[string]fpmath.Decimal),
			Escrow:       make(map[string]fpmath.Decimal),
			AsOfSequence: c.GetSequence() - 1,
		}
		total := resp.Wallet
		for _, m := range c.Markets() {
			if margin := c.Balance(ledger.MarginKey(account, m)); !margin.IsZero() {
				resp.Margin[m] = margin
				total = total.Add(margin)
			}
			if escrow := c.Balance(ledger.EscrowKey(account, m)); !escrow.IsZero() {
				resp.Escrow[m] = escrow
				total = total.Add(escrow)
			}
		}
		resp.Total = total
		return nil
	})
	return resp, err
}
