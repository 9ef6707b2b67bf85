package session

import (
	"context"
	"fmt"
	"strings"

	"ibsupervisor/internal/domain"
)

// Trading operations call through to the gateway in any state. Failures
// never escape as errors; they come back as domain.Rejected().

func (s *Session) rejected(op string, err error) domain.Result {
	s.logger.Warn("gateway request failed", "op", op, "error", err)
	return domain.Rejected()
}

// GetAllAccounts makes sure the brokerage session is authenticated and
// returns {"accounts": [ids...]}. Re-authentication runs on the loop.
func (s *Session) GetAllAccounts(ctx context.Context) domain.Result {
	if !s.ServerAuthenticated() && !s.requestReauth(ctx) {
		s.logger.Warn("brokerage session not authenticated before account query")
	}

	accounts, err := s.client.Accounts(ctx)
	if err != nil {
		return s.rejected("getAllAccounts", err)
	}
	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.ID)
	}
	return domain.Result{"accounts": ids}
}

// accountInfoFields are the summary entries AccountInfo is built from.
var accountInfoFields = []string{"availablefunds", "fullavailablefunds", "initmarginreq"}

// GetAccountInfo returns {accountID: AccountInfo} from the portfolio
// summary and archives the snapshot. A summary lacking one of
// accountInfoFields is rejected.
func (s *Session) GetAccountInfo(ctx context.Context, accountID string) domain.Result {
	summary, err := s.client.Summary(ctx, accountID)
	if err != nil {
		return s.rejected("getAccountInfo", err)
	}

	var missing []string
	for _, key := range accountInfoFields {
		if _, ok := summary[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return s.rejected("getAccountInfo", fmt.Errorf("summary of %s lacks %s", accountID, strings.Join(missing, ", ")))
	}

	info := domain.AccountInfo{
		Currency:  summary["availablefunds"].Currency,
		Balance:   summary["fullavailablefunds"].Amount,
		PL:        0,
		Margin:    summary["initmarginreq"].Amount,
		Available: summary["availablefunds"].Amount,
	}

	if s.archive != nil {
		snap := domain.AccountSnapshot{
			Time:        s.clock.Now(),
			BrokerID:    s.Identity().BrokerID,
			AccountID:   accountID,
			AccountInfo: info,
		}
		if err := s.archive.AppendSnapshot(ctx, snap); err != nil {
			s.logger.Warn("archive account snapshot", "account_id", accountID, "error", err)
		}
	}
	return domain.Result{accountID: info}
}

// GetAllPositions returns {"positions": [...]} for an account.
func (s *Session) GetAllPositions(ctx context.Context, accountID string) domain.Result {
	positions, err := s.client.Positions(ctx, accountID)
	if err != nil {
		return s.rejected("getAllPositions", err)
	}
	if positions == nil {
		positions = []map[string]any{}
	}
	return domain.Result{"positions": positions}
}

// GetAllOrders returns the live orders reported by the gateway. Orders of
// other accounts are filtered out when accountID is set.
func (s *Session) GetAllOrders(ctx context.Context, accountID string) domain.Result {
	resp, err := s.client.Orders(ctx)
	if err != nil {
		return s.rejected("getAllOrders", err)
	}

	orders, _ := resp["orders"].([]any)
	kept := make([]any, 0, len(orders))
	for _, o := range orders {
		m, ok := o.(map[string]any)
		if accountID != "" && ok && m["acct"] != nil && m["acct"] != accountID {
			continue
		}
		kept = append(kept, o)
	}
	return domain.Result{"orders": kept}
}

// CreatePosition opens a position at market.
func (s *Session) CreatePosition(ctx context.Context, req OrderRequest) domain.Result {
	req.OrderType = "market"
	return s.place(ctx, "createPosition", req)
}

// CreateOrder places an entry order of req.OrderType.
func (s *Session) CreateOrder(ctx context.Context, req OrderRequest) domain.Result {
	return s.place(ctx, "createOrder", req)
}

func (s *Session) place(ctx context.Context, op string, req OrderRequest) domain.Result {
	resp, err := s.client.PlaceOrder(ctx, req.AccountID, buildOrders(req))
	if err != nil {
		return s.rejected(op, err)
	}
	return domain.Result{"order": resp}
}

// ModifyPosition moves the stop-loss and take-profit of a position.
func (s *Session) ModifyPosition(ctx context.Context, ref OrderRef, slPrice, tpPrice float64) domain.Result {
	return s.modifyChildren(ctx, "modifyPosition", ref, ref.LotSize, slPrice, tpPrice, nil)
}

// ModifyOrder changes size and entry price of a live order, then its
// attached stop-loss and take-profit.
func (s *Session) ModifyOrder(ctx context.Context, ref OrderRef, lotSize, entryPrice, slPrice, tpPrice float64) domain.Result {
	if lotSize <= 0 {
		lotSize = ref.LotSize
	}
	parent := ticket(ref.AccountID, ref.Product, side(ref.Direction), orderType(ref.OrderType), lotSize, entryPrice)

	resp, err := s.client.ModifyOrder(ctx, ref.AccountID, ref.OrderID, parent)
	if err != nil {
		return s.rejected("modifyOrder", err)
	}
	return s.modifyChildren(ctx, "modifyOrder", ref, lotSize, slPrice, tpPrice, []any{resp})
}

func (s *Session) modifyChildren(ctx context.Context, op string, ref OrderRef, qty, slPrice, tpPrice float64, done []any) domain.Result {
	for _, up := range childUpdates(ref, qty, slPrice, tpPrice) {
		resp, err := s.client.ModifyOrder(ctx, ref.AccountID, up.orderID, up.order)
		if err != nil {
			return s.rejected(op, err)
		}
		done = append(done, resp)
	}
	if done == nil {
		done = []any{}
	}
	return domain.Result{"modified": done}
}

// DeletePosition cancels the order backing a position together with its
// stop-loss and take-profit.
func (s *Session) DeletePosition(ctx context.Context, ref OrderRef) domain.Result {
	ids := []string{ref.OrderID, ref.SLOrderID, ref.TPOrderID}
	cancelled := make([]any, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		resp, err := s.client.CancelOrder(ctx, ref.AccountID, id)
		if err != nil {
			return s.rejected("deletePosition", err)
		}
		cancelled = append(cancelled, resp)
	}
	return domain.Result{"cancelled": cancelled}
}

// DeleteOrder cancels a live order.
func (s *Session) DeleteOrder(ctx context.Context, ref OrderRef) domain.Result {
	resp, err := s.client.CancelOrder(ctx, ref.AccountID, ref.OrderID)
	if err != nil {
		return s.rejected("deleteOrder", err)
	}
	return domain.Result{"cancelled": []any{resp}}
}
