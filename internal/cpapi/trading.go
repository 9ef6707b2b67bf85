package cpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
)

// Account is one entry of GET /portfolio/accounts.
type Account struct {
	ID        string `json:"id"`
	AccountID string `json:"accountId"`
	Title     string `json:"accountTitle"`
	Currency  string `json:"currency"`
	Type      string `json:"type"`
}

// SummaryValue is one field of the portfolio summary.
type SummaryValue struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// Summary is the response of GET /portfolio/{accountId}/summary keyed by
// field name, e.g. "availablefunds" or "initmarginreq".
type Summary map[string]SummaryValue

// Order is an order ticket for the iserver order endpoints.
type Order struct {
	AccountID  string  `json:"acctId,omitempty"`
	ConID      int     `json:"conid,omitempty"`
	ClientID   string  `json:"cOID,omitempty"`
	ParentID   string  `json:"parentId,omitempty"`
	OrderType  string  `json:"orderType"`
	Side       string  `json:"side"`
	Ticker     string  `json:"ticker,omitempty"`
	Quantity   float64 `json:"quantity"`
	Price      float64 `json:"price,omitempty"`
	AuxPrice   float64 `json:"auxPrice,omitempty"`
	TIF        string  `json:"tif"`
	OutsideRTH bool    `json:"outsideRTH"`
}

// Accounts lists the brokerage accounts of the logged in user.
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	var accounts []Account
	if err := c.do(ctx, http.MethodGet, "/portfolio/accounts", nil, nil, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

// Summary returns the portfolio summary of an account.
func (c *Client) Summary(ctx context.Context, accountID string) (Summary, error) {
	var raw map[string]json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/portfolio/"+url.PathEscape(accountID)+"/summary", nil, nil, &raw); err != nil {
		return nil, err
	}
	summary := make(Summary, len(raw))
	for key, msg := range raw {
		var v SummaryValue
		if err := json.Unmarshal(msg, &v); err != nil {
			continue
		}
		summary[key] = v
	}
	return summary, nil
}

// Positions returns the first page of positions of an account.
func (c *Client) Positions(ctx context.Context, accountID string) ([]map[string]any, error) {
	var positions []map[string]any
	if err := c.do(ctx, http.MethodGet, "/portfolio/"+url.PathEscape(accountID)+"/positions/0", nil, nil, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// Orders returns the live orders of the session.
func (c *Client) Orders(ctx context.Context) (map[string]any, error) {
	var orders map[string]any
	if err := c.do(ctx, http.MethodGet, "/iserver/account/orders", nil, nil, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// PlaceOrder submits one order, optionally with attached child orders.
// The gateway answers either with order confirmations or with questions
// that need a reply; both are returned undecoded beyond JSON.
func (c *Client) PlaceOrder(ctx context.Context, accountID string, orders []Order) (any, error) {
	var resp any
	body := map[string]any{"orders": orders}
	if err := c.do(ctx, http.MethodPost, orderPath(accountID, ""), nil, body, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ModifyOrder replaces the parameters of a live order.
func (c *Client) ModifyOrder(ctx context.Context, accountID, orderID string, order Order) (any, error) {
	var resp any
	if err := c.do(ctx, http.MethodPost, orderPath(accountID, orderID), nil, order, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CancelOrder cancels a live order.
func (c *Client) CancelOrder(ctx context.Context, accountID, orderID string) (any, error) {
	var resp any
	if err := c.do(ctx, http.MethodDelete, orderPath(accountID, orderID), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func orderPath(accountID, orderID string) string {
	p := "/iserver/account/" + url.PathEscape(accountID) + "/order"
	if orderID != "" {
		p += "/" + url.PathEscape(orderID)
	}
	return p
}
