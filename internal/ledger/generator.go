package ledger

import (
	"fmt"

	fpmath "PerpEngine/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// JournalGenerator appends the journal legs of each engine flow to a batch.
// Pre-checks that depend on current balances happen here; everything else
// is validated by the engine before a batch is built.
type JournalGenerator struct {
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		balanceTracker: tracker,
	}
}

// Settlement is the realized PnL and funding of a touched position.
// Funding is positive when the position pays.
type Settlement struct {
	PnL     fpmath.Decimal
	Funding fpmath.Decimal
}

// Net is the margin change the settlement causes.
func (s Settlement) Net() fpmath.Decimal {
	return s.PnL.Sub(s.Funding)
}

// WalletDeposit moves funds: external:deposits → user:wallet
func (jg *JournalGenerator) WalletDeposit(b *Batch, owner common.Address, amount fpmath.Decimal) {
	b.Transfer(WalletKey(owner), NewExternalAccountKey(SubTypeExternalDeposits), amount, JournalTypeWalletDeposit)
}

// WalletWithdrawal moves funds: user:wallet → external:withdrawals.
func (jg *JournalGenerator) WalletWithdrawal(b *Batch, owner common.Address, amount fpmath.Decimal) error {
	if err := jg.balanceTracker.ValidateSufficientWallet(owner, amount); err != nil {
		return fmt.Errorf("withdrawal pre-check failed: %w", err)
	}
	b.Transfer(NewExternalAccountKey(SubTypeExternalWithdrawals), WalletKey(owner), amount, JournalTypeWalletWithdrawal)
	return nil
}

// MarginTransfer moves delta between wallet and margin. A positive delta is
// a deposit into margin and requires the wallet to cover it.
func (jg *JournalGenerator) MarginTransfer(b *Batch, owner common.Address, market string, delta fpmath.Decimal) error {
	if delta.IsPositive() {
		if err := jg.balanceTracker.ValidateSufficientWallet(owner, delta); err != nil {
			return fmt.Errorf("margin deposit pre-check failed: %w", err)
		}
		b.Transfer(MarginKey(owner, market), WalletKey(owner), delta, JournalTypeMarginDeposit)
		return nil
	}
	b.Transfer(WalletKey(owner), MarginKey(owner, market), delta.Neg(), JournalTypeMarginWithdrawal)
	return nil
}

// Settle posts PnL and funding against the market's settlement account.
func (jg *JournalGenerator) Settle(b *Batch, owner common.Address, market string, s Settlement) {
	b.Transfer(MarginKey(owner, market), SettlementKey(market), s.PnL, JournalTypeTradePnL)
	b.Transfer(SettlementKey(market), MarginKey(owner, market), s.Funding, JournalTypeFundingSettle)
}

// TradeFee moves an exchange fee from margin to the fee sink.
func (jg *JournalGenerator) TradeFee(b *Batch, owner common.Address, market string, fee fpmath.Decimal) {
	b.Transfer(FeeSinkKey(), MarginKey(owner, market), fee, JournalTypeTradeFee)
}

// EscrowOrder locks order deposits out of margin.
func (jg *JournalGenerator) EscrowOrder(b *Batch, owner common.Address, market string, amount fpmath.Decimal) {
	b.Transfer(EscrowKey(owner, market), MarginKey(owner, market), amount, JournalTypeOrderEscrow)
}

// RefundOrder returns escrowed deposits to margin.
func (jg *JournalGenerator) RefundOrder(b *Batch, owner common.Address, market string, amount fpmath.Decimal) {
	b.Transfer(MarginKey(owner, market), EscrowKey(owner, market), amount, JournalTypeOrderRefund)
}

// PayKeeper sends the keeper deposit from escrow to the keeper's wallet.
func (jg *JournalGenerator) PayKeeper(b *Batch, owner common.Address, market string, keeper common.Address, amount fpmath.Decimal) {
	b.Transfer(WalletKey(keeper), EscrowKey(owner, market), amount, JournalTypeKeeperReward)
}

// ForfeitOrder sends escrowed deposits to the fee sink.
func (jg *JournalGenerator) ForfeitOrder(b *Batch, owner common.Address, market string, amount fpmath.Decimal) {
	b.Transfer(FeeSinkKey(), EscrowKey(owner, market), amount, JournalTypeDepositForfeit)
}

// Liquidation pays the caller's reward and sends what is left of the
// margin to the fee sink.
func (jg *JournalGenerator) Liquidation(b *Batch, owner common.Address, market string, caller common.Address, reward, remainder fpmath.Decimal) {
	b.Transfer(WalletKey(caller), MarginKey(owner, market), reward, JournalTypeLiquidationReward)
	b.Transfer(FeeSinkKey(), MarginKey(owner, market), remainder, JournalTypeLiquidationRemainder)
}

// RelayFee forwards the relay fee to the feed provider and credits any
// excess to the relayer's wallet. Both legs are funded from outside.
func (jg *JournalGenerator) RelayFee(b *Batch, relayer common.Address, fee, excess fpmath.Decimal) {
	b.Transfer(FeedProviderKey(), NewExternalAccountKey(SubTypeExternalDeposits), fee, JournalTypeRelayFee)
	b.Transfer(WalletKey(relayer), NewExternalAccountKey(SubTypeExternalDeposits), excess, JournalTypeRelayExcess)
}
