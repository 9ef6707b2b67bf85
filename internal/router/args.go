package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"ibsupervisor/internal/session"
)

// args holds the positional and keyword arguments of a command. A value is
// looked up by position first, then by keyword name.
type args struct {
	pos []json.RawMessage
	kw  map[string]json.RawMessage
}

func (a args) drop(n int) args {
	if n >= len(a.pos) {
		return args{kw: a.kw}
	}
	return args{pos: a.pos[n:], kw: a.kw}
}

func (a args) raw(i int, name string) (json.RawMessage, bool) {
	if i >= 0 && i < len(a.pos) {
		return a.pos[i], true
	}
	if v, ok := a.kw[name]; ok {
		return v, true
	}
	return nil, false
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// str returns a required string argument. Numbers are accepted and
// formatted without a fraction.
func (a args) str(i int, name string) (string, error) {
	raw, ok := a.raw(i, name)
	if !ok || isNull(raw) {
		return "", fmt.Errorf("missing argument %q", name)
	}
	s, err := flexString(raw)
	if err != nil {
		return "", fmt.Errorf("argument %q: %w", name, err)
	}
	return s, nil
}

// optStr returns a string argument or "" when absent.
func (a args) optStr(i int, name string) (string, error) {
	raw, ok := a.raw(i, name)
	if !ok || isNull(raw) {
		return "", nil
	}
	s, err := flexString(raw)
	if err != nil {
		return "", fmt.Errorf("argument %q: %w", name, err)
	}
	return s, nil
}

// num returns a numeric argument or 0 when absent. Numeric strings are
// accepted.
func (a args) num(i int, name string) (float64, error) {
	raw, ok := a.raw(i, name)
	if !ok || isNull(raw) {
		return 0, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("argument %q: not a number", name)
	}
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("argument %q: %w", name, err)
	}
	return f, nil
}

// flag returns a boolean argument, false when absent.
func (a args) flag(i int, name string) (bool, error) {
	raw, ok := a.raw(i, name)
	if !ok || isNull(raw) {
		return false, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	f, err := a.num(i, name)
	if err != nil {
		return false, fmt.Errorf("argument %q: not a boolean", name)
	}
	return f != 0, nil
}

// ports returns a list argument of ports given as numbers or strings.
func (a args) ports(i int, name string) ([]int, error) {
	raw, ok := a.raw(i, name)
	if !ok || isNull(raw) {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("argument %q: not a list", name)
	}
	out := make([]int, 0, len(items))
	for _, item := range items {
		s, err := flexString(item)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", name, err)
		}
		port, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", name, err)
		}
		out = append(out, port)
	}
	return out, nil
}

// ref decodes an order or position object.
func (a args) ref(i int, name string) (session.OrderRef, error) {
	raw, ok := a.raw(i, name)
	if !ok || isNull(raw) {
		return session.OrderRef{}, fmt.Errorf("missing argument %q", name)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return session.OrderRef{}, fmt.Errorf("argument %q: not an object", name)
	}
	obj := args{kw: fields}

	var ref session.OrderRef
	var err error
	if ref.OrderID, err = obj.str(-1, "order_id"); err != nil {
		return ref, fmt.Errorf("argument %q: %w", name, err)
	}
	if ref.AccountID, err = obj.optStr(-1, "account_id"); err != nil {
		return ref, err
	}
	if ref.Product, err = obj.optStr(-1, "product"); err != nil {
		return ref, err
	}
	if ref.Direction, err = obj.optStr(-1, "direction"); err != nil {
		return ref, err
	}
	if ref.OrderType, err = obj.optStr(-1, "order_type"); err != nil {
		return ref, err
	}
	if ref.SLOrderID, err = obj.optStr(-1, "sl_order_id"); err != nil {
		return ref, err
	}
	if ref.TPOrderID, err = obj.optStr(-1, "tp_order_id"); err != nil {
		return ref, err
	}
	if ref.LotSize, err = obj.num(-1, "lotsize"); err != nil {
		return ref, err
	}
	return ref, nil
}

func flexString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("expected string or number, got %s", raw)
}
