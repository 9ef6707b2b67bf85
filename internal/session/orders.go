package session

import (
	"strings"

	"github.com/google/uuid"

	"ibsupervisor/internal/cpapi"
)

// OrderRequest describes a new order or position as sent by the
// orchestrator.
type OrderRequest struct {
	Product    string
	LotSize    float64
	Direction  string
	AccountID  string
	OrderType  string
	EntryRange float64
	EntryPrice float64
	SLRange    float64
	TPRange    float64
	SLPrice    float64
	TPPrice    float64
}

// OrderRef identifies a live order or position.
type OrderRef struct {
	AccountID string  `json:"account_id"`
	OrderID   string  `json:"order_id"`
	Product   string  `json:"product"`
	Direction string  `json:"direction"`
	OrderType string  `json:"order_type"`
	LotSize   float64 `json:"lotsize"`
	SLOrderID string  `json:"sl_order_id"`
	TPOrderID string  `json:"tp_order_id"`
}

func side(direction string) string {
	switch strings.ToLower(direction) {
	case "short", "sell":
		return "SELL"
	default:
		return "BUY"
	}
}

func opposite(s string) string {
	if s == "BUY" {
		return "SELL"
	}
	return "BUY"
}

func orderType(t string) string {
	switch strings.ToLower(t) {
	case "limit", "lmt":
		return "LMT"
	case "stop", "stp", "stopentry":
		return "STP"
	default:
		return "MKT"
	}
}

func ticket(accountID, product, side, typ string, qty, price float64) cpapi.Order {
	o := cpapi.Order{
		AccountID:  accountID,
		OrderType:  typ,
		Side:       side,
		Ticker:     product,
		Quantity:   qty,
		TIF:        "GTC",
		OutsideRTH: true,
	}
	if typ != "MKT" {
		o.Price = price
	}
	return o
}

// buildOrders maps a request to a parent ticket plus attached stop-loss
// and take-profit children.
func buildOrders(req OrderRequest) []cpapi.Order {
	s := side(req.Direction)
	parent := ticket(req.AccountID, req.Product, s, orderType(req.OrderType), req.LotSize, req.EntryPrice)

	if req.SLPrice <= 0 && req.TPPrice <= 0 {
		return []cpapi.Order{parent}
	}

	parent.ClientID = uuid.NewString()
	orders := []cpapi.Order{parent}
	if req.SLPrice > 0 {
		sl := ticket(req.AccountID, req.Product, opposite(s), "STP", req.LotSize, req.SLPrice)
		sl.ParentID = parent.ClientID
		orders = append(orders, sl)
	}
	if req.TPPrice > 0 {
		tp := ticket(req.AccountID, req.Product, opposite(s), "LMT", req.LotSize, req.TPPrice)
		tp.ParentID = parent.ClientID
		orders = append(orders, tp)
	}
	return orders
}

type childUpdate struct {
	orderID string
	order   cpapi.Order
}

// childUpdates returns the stop-loss and take-profit modifications for
// ref. Children without an id or a price are left alone.
func childUpdates(ref OrderRef, qty, slPrice, tpPrice float64) []childUpdate {
	exit := opposite(side(ref.Direction))
	var ups []childUpdate
	if ref.SLOrderID != "" && slPrice > 0 {
		ups = append(ups, childUpdate{ref.SLOrderID, ticket(ref.AccountID, ref.Product, exit, "STP", qty, slPrice)})
	}
	if ref.TPOrderID != "" && tpPrice > 0 {
		ups = append(ups, childUpdate{ref.TPOrderID, ticket(ref.AccountID, ref.Product, exit, "LMT", qty, tpPrice)})
	}
	return ups
}
