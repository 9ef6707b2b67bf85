package router

import (
	"context"
	"errors"
	"strconv"

	"ibsupervisor/internal/domain"
	"ibsupervisor/internal/registry"
	"ibsupervisor/internal/session"
)

// --- registry commands ---

// add_user(user_id, strategy_id, broker_id, username, password, is_parent)
// with an optional "port" keyword.
func (r *Router[S]) addUser(ctx context.Context, _ S, _ Envelope, a args) (any, error) {
	id, err := identity(a, 0)
	if err != nil {
		return nil, err
	}
	var creds domain.Credentials
	if creds.Username, err = a.optStr(3, "username"); err != nil {
		return nil, err
	}
	if creds.Password, err = a.optStr(4, "password"); err != nil {
		return nil, err
	}
	parent, err := a.flag(5, "is_parent")
	if err != nil {
		return nil, err
	}
	port, err := a.num(-1, "port")
	if err != nil {
		return nil, err
	}

	s, _, err := r.reg.CreateOrGet(ctx, registry.Params{
		Identity:    id,
		Credentials: creds,
		Parent:      parent,
		Port:        int(port),
	})
	if err != nil {
		return nil, err
	}
	return domain.Result{"_gateway_loaded": s.GatewayLoaded()}, nil
}

// delete_user(broker_id). Deleting an unknown broker id is not an error.
func (r *Router[S]) deleteUser(ctx context.Context, _ S, _ Envelope, a args) (any, error) {
	brokerID, err := a.str(0, "broker_id")
	if err != nil {
		return nil, err
	}
	if err := r.reg.Delete(ctx, brokerID); err != nil && !errors.Is(err, registry.ErrNotFound) {
		return nil, err
	}
	return domain.Result{"completed": true}, nil
}

// replace_user(port, user_id, strategy_id, broker_id)
func (r *Router[S]) replaceUser(ctx context.Context, _ S, _ Envelope, a args) (any, error) {
	portArg, err := a.str(0, "port")
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portArg)
	if err != nil {
		return nil, err
	}
	id, err := identity(a, 1)
	if err != nil {
		return nil, err
	}
	if err := r.reg.Replace(ctx, port, id); err != nil {
		return nil, err
	}
	return domain.Result{"completed": true}, nil
}

// find_user(user_id, strategy_id, broker_id) replies with the broker id of
// the matching logged-in session, or -1.
func (r *Router[S]) findUser(_ context.Context, _ S, _ Envelope, a args) (any, error) {
	id, err := identity(a, 0)
	if err != nil {
		return nil, err
	}
	s, err := r.reg.FindByIdentity(id.UserID, id.StrategyID, id.BrokerID)
	if err != nil {
		return domain.Result{"port": -1}, nil
	}
	return domain.Result{"port": s.Identity().BrokerID}, nil
}

func (r *Router[S]) existingUsers(_ context.Context, _ S, _ Envelope, _ args) (any, error) {
	return domain.Result{"users": r.reg.Infos()}, nil
}

// findUnusedPort(used_ports)
func (r *Router[S]) findUnusedPort(ctx context.Context, _ S, _ Envelope, a args) (any, error) {
	used, err := a.ports(0, "used_ports")
	if err != nil {
		return nil, err
	}
	return domain.Result{"result": r.reg.AllocatePort(ctx, used)}, nil
}

// --- session commands ---

func (r *Router[S]) isLoggedIn(ctx context.Context, s S, _ Envelope, _ args) (any, error) {
	return domain.Result{"result": s.CheckLoggedIn(ctx)}, nil
}

func (r *Router[S]) startGateway(ctx context.Context, s S, _ Envelope, _ args) (any, error) {
	if err := s.StartGateway(ctx); err != nil {
		return nil, err
	}
	return domain.Result{"complete": true}, nil
}

func (r *Router[S]) getAllAccounts(ctx context.Context, s S, _ Envelope, _ args) (any, error) {
	return s.GetAllAccounts(ctx), nil
}

func (r *Router[S]) getAccountInfo(ctx context.Context, s S, _ Envelope, a args) (any, error) {
	accountID, err := a.str(0, "account_id")
	if err != nil {
		return nil, err
	}
	return s.GetAccountInfo(ctx, accountID), nil
}

func (r *Router[S]) subscribe(_ context.Context, s S, _ Envelope, a args) (any, error) {
	msgID, err := a.str(0, "msg_id")
	if err != nil {
		return nil, err
	}
	s.Subscribe(msgID)
	return domain.Result{"completed": true}, nil
}

func (r *Router[S]) getAllPositions(ctx context.Context, s S, _ Envelope, a args) (any, error) {
	accountID, err := a.str(0, "account_id")
	if err != nil {
		return nil, err
	}
	return s.GetAllPositions(ctx, accountID), nil
}

func (r *Router[S]) getAllOrders(ctx context.Context, s S, _ Envelope, a args) (any, error) {
	accountID, err := a.optStr(0, "account_id")
	if err != nil {
		return nil, err
	}
	return s.GetAllOrders(ctx, accountID), nil
}

// createPosition(product, lotsize, direction, account_id, entry_range,
// entry_price, sl_range, tp_range, sl_price, tp_price)
func (r *Router[S]) createPosition(ctx context.Context, s S, _ Envelope, a args) (any, error) {
	req, err := orderRequest(a, false)
	if err != nil {
		return nil, err
	}
	return s.CreatePosition(ctx, req), nil
}

// createOrder(product, lotsize, direction, account_id, order_type,
// entry_range, entry_price, sl_range, tp_range, sl_price, tp_price)
func (r *Router[S]) createOrder(ctx context.Context, s S, _ Envelope, a args) (any, error) {
	req, err := orderRequest(a, true)
	if err != nil {
		return nil, err
	}
	return s.CreateOrder(ctx, req), nil
}

// modifyPosition(pos, sl_price, tp_price)
func (r *Router[S]) modifyPosition(ctx context.Context, s S, _ Envelope, a args) (any, error) {
	ref, err := a.ref(0, "pos")
	if err != nil {
		return nil, err
	}
	sl, tp, err := nums2(a, 1, "sl_price", "tp_price")
	if err != nil {
		return nil, err
	}
	return s.ModifyPosition(ctx, ref, sl, tp), nil
}

// deletePosition(pos, lotsize)
func (r *Router[S]) deletePosition(ctx context.Context, s S, _ Envelope, a args) (any, error) {
	ref, err := a.ref(0, "pos")
	if err != nil {
		return nil, err
	}
	return s.DeletePosition(ctx, ref), nil
}

// modifyOrder(order, lotsize, entry_price, sl_price, tp_price)
func (r *Router[S]) modifyOrder(ctx context.Context, s S, _ Envelope, a args) (any, error) {
	ref, err := a.ref(0, "order")
	if err != nil {
		return nil, err
	}
	lot, entry, err := nums2(a, 1, "lotsize", "entry_price")
	if err != nil {
		return nil, err
	}
	sl, tp, err := nums2(a, 3, "sl_price", "tp_price")
	if err != nil {
		return nil, err
	}
	return s.ModifyOrder(ctx, ref, lot, entry, sl, tp), nil
}

// deleteOrder(order)
func (r *Router[S]) deleteOrder(ctx context.Context, s S, _ Envelope, a args) (any, error) {
	ref, err := a.ref(0, "order")
	if err != nil {
		return nil, err
	}
	return s.DeleteOrder(ctx, ref), nil
}

// --- argument helpers ---

// identity reads (user_id, strategy_id, broker_id) starting at position i.
func identity(a args, i int) (domain.Identity, error) {
	var id domain.Identity
	var err error
	if id.UserID, err = a.str(i, "user_id"); err != nil {
		return id, err
	}
	if id.StrategyID, err = a.str(i+1, "strategy_id"); err != nil {
		return id, err
	}
	if id.BrokerID, err = a.str(i+2, "broker_id"); err != nil {
		return id, err
	}
	return id, nil
}

func nums2(a args, i int, first, second string) (float64, float64, error) {
	x, err := a.num(i, first)
	if err != nil {
		return 0, 0, err
	}
	y, err := a.num(i+1, second)
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}

func orderRequest(a args, withType bool) (session.OrderRequest, error) {
	var req session.OrderRequest
	var err error
	if req.Product, err = a.str(0, "product"); err != nil {
		return req, err
	}
	if req.LotSize, err = a.num(1, "lotsize"); err != nil {
		return req, err
	}
	if req.Direction, err = a.str(2, "direction"); err != nil {
		return req, err
	}
	if req.AccountID, err = a.str(3, "account_id"); err != nil {
		return req, err
	}
	i := 4
	if withType {
		if req.OrderType, err = a.optStr(i, "order_type"); err != nil {
			return req, err
		}
		i++
	}
	if req.EntryRange, req.EntryPrice, err = nums2(a, i, "entry_range", "entry_price"); err != nil {
		return req, err
	}
	if req.SLRange, req.TPRange, err = nums2(a, i+2, "sl_range", "tp_range"); err != nil {
		return req, err
	}
	if req.SLPrice, req.TPPrice, err = nums2(a, i+4, "sl_price", "tp_price"); err != nil {
		return req, err
	}
	return req, nil
}
