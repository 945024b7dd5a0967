package gateway

import (
	"context"

	"coursepay/internal/ledger"
	"coursepay/internal/model"

	"gorm.io/gorm"
)

// WalletGateway pays from the buyer's internal wallet. Capture is the
// buyer debit, posted inside the settlement transaction so the debit and
// the revenue credits commit together.
type WalletGateway struct {
	ledger *ledger.Ledger
}

func NewWalletGateway(l *ledger.Ledger) *WalletGateway {
	return &WalletGateway{ledger: l}
}

func (g *WalletGateway) Method() model.PaymentMethod { return model.PaymentMethodWallet }

// Initiate has nothing to redirect to; the reference is derived from the order.
func (g *WalletGateway) Initiate(_ context.Context, order *model.Order) (*Session, error) {
	return &Session{ProviderRef: "wallet:" + order.OrderNo}, nil
}

// CaptureInTx debits the buyer. It fails with apperr.ErrInsufficientFunds
// when the balance is short.
func (g *WalletGateway) CaptureInTx(ctx context.Context, tx *gorm.DB, order *model.Order) (*CaptureResult, error) {
	lines, err := g.ledger.Post(ctx, tx, order.OrderNo, ledger.Entry{
		OwnerID:     order.BuyerID,
		OwnerType:   model.OwnerTypeUser,
		Type:        model.TransactionTypePurchase,
		Amount:      -order.Amount,
		Description: "course purchase " + order.OrderNo,
	})
	if err != nil {
		return nil, err
	}

	txnID := "wallet:" + order.OrderNo
	if len(lines) > 0 {
		txnID = lines[0].TransactionNo
	}
	return &CaptureResult{
		Status:        CaptureSucceeded,
		Amount:        order.Amount,
		Currency:      order.Currency,
		ProviderTxnID: txnID,
	}, nil
}

// RefundInTx credits the full order amount back to the buyer.
func (g *WalletGateway) RefundInTx(ctx context.Context, tx *gorm.DB, order *model.Order) (*RefundResult, error) {
	lines, err := g.ledger.Post(ctx, tx, order.OrderNo, ledger.Entry{
		OwnerID:     order.BuyerID,
		OwnerType:   model.OwnerTypeUser,
		Type:        model.TransactionTypeRefund,
		Amount:      order.Amount,
		Description: "refund " + order.OrderNo,
	})
	if err != nil {
		return nil, err
	}

	refundID := "wallet:" + order.OrderNo
	if len(lines) > 0 {
		refundID = lines[0].TransactionNo
	}
	return &RefundResult{RefundID: refundID, Amount: order.Amount, Status: CaptureSucceeded}, nil
}
