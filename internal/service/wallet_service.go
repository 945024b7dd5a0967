package service

import (
	"context"
	"strings"

	"coursepay/internal/apperr"
	"coursepay/internal/infrastructure/observability"
	"coursepay/internal/ledger"
	"coursepay/internal/model"
	"coursepay/pkg/money"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type WalletView struct {
	OwnerID   string `json:"owner_id"`
	Balance   int64  `json:"balance"`
	Display   string `json:"display"`
	Currency  string `json:"currency"`
	Version   int    `json:"version"`
	OwnerType string `json:"owner_type"`
}

type WithdrawRequest struct {
	OwnerID     string `json:"-"`
	Amount      int64  `json:"amount" binding:"required"`
	Description string `json:"description"`
}

type TransactionPage struct {
	Items    []*model.WalletTransaction `json:"items"`
	Total    int64                      `json:"total"`
	Page     int                        `json:"page"`
	PageSize int                        `json:"page_size"`
}

// WalletService is the buyer-facing view of the ledger.
type WalletService struct {
	ledger     *ledger.Ledger
	settlement *SettlementService
	logger     *zap.Logger
}

func NewWalletService(l *ledger.Ledger, settlement *SettlementService, logger *zap.Logger) *WalletService {
	return &WalletService{ledger: l, settlement: settlement, logger: logger}
}

// GetWallet returns the owner's balance, opening an empty wallet on first access.
func (s *WalletService) GetWallet(ctx context.Context, ownerID string) (*WalletView, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, apperr.Validation("owner_id", "owner is required")
	}
	w, err := s.ledger.Balance(ctx, ownerID, model.OwnerTypeUser)
	if err != nil {
		return nil, err
	}
	return viewOf(w), nil
}

func (s *WalletService) History(ctx context.Context, ownerID string, page, pageSize int) (*TransactionPage, error) {
	page, pageSize = clampPage(page, pageSize)
	items, total, err := s.ledger.History(ctx, ownerID, page, pageSize)
	if err != nil {
		return nil, err
	}
	return &TransactionPage{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// TopUp starts a provider payment that credits the wallet once captured.
func (s *WalletService) TopUp(ctx context.Context, req *TopUpRequest) (*CheckoutResult, error) {
	return s.settlement.TopUp(ctx, req)
}

// Withdraw debits the wallet. The payout itself happens outside this service.
func (s *WalletService) Withdraw(ctx context.Context, req *WithdrawRequest) (*model.WalletTransaction, error) {
	ctx, span := observability.StartSpan(ctx, "wallet.Withdraw")
	defer span.End()

	if req.Amount <= 0 {
		return nil, apperr.Validation("amount", "amount must be positive")
	}
	desc := req.Description
	if desc == "" {
		desc = "withdrawal"
	}

	var line *model.WalletTransaction
	err := s.ledger.InTx(ctx, func(tx *gorm.DB) error {
		lines, err := s.ledger.Post(ctx, tx, "", ledger.Entry{
			OwnerID:     req.OwnerID,
			OwnerType:   model.OwnerTypeUser,
			Type:        model.TransactionTypeWithdrawal,
			Amount:      -req.Amount,
			Description: desc,
		})
		if err != nil {
			return err
		}
		line = lines[0]
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("wallet withdrawal",
		zap.String("owner_id", req.OwnerID),
		zap.Int64("amount", req.Amount),
		zap.String("transaction_no", line.TransactionNo))
	return line, nil
}

func viewOf(w *model.Wallet) *WalletView {
	return &WalletView{
		OwnerID:   w.OwnerID,
		Balance:   w.Balance,
		Display:   money.Format(w.Balance),
		Currency:  w.Currency,
		Version:   w.Version,
		OwnerType: w.OwnerType,
	}
}

func clampPage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}
