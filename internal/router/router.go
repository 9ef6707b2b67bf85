// Package router turns inbound command envelopes into registry and session
// operations and wraps every outcome in exactly one reply envelope.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"ibsupervisor/internal/dedupe"
	"ibsupervisor/internal/domain"
	"ibsupervisor/internal/registry"
	"ibsupervisor/internal/session"
)

// ErrSessionNotFound is reported when a command targets a session that
// does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Target is the session surface commands run against.
type Target interface {
	registry.Member
	GatewayLoaded() bool
	StartGateway(ctx context.Context) error
	Subscribe(msgID string)

	GetAllAccounts(ctx context.Context) domain.Result
	GetAccountInfo(ctx context.Context, accountID string) domain.Result
	GetAllPositions(ctx context.Context, accountID string) domain.Result
	GetAllOrders(ctx context.Context, accountID string) domain.Result
	CreatePosition(ctx context.Context, req session.OrderRequest) domain.Result
	CreateOrder(ctx context.Context, req session.OrderRequest) domain.Result
	ModifyPosition(ctx context.Context, ref session.OrderRef, slPrice, tpPrice float64) domain.Result
	ModifyOrder(ctx context.Context, ref session.OrderRef, lotSize, entryPrice, slPrice, tpPrice float64) domain.Result
	DeletePosition(ctx context.Context, ref session.OrderRef) domain.Result
	DeleteOrder(ctx context.Context, ref session.OrderRef) domain.Result
}

var _ Target = (*session.Session)(nil)

type handlerFunc[S Target] func(ctx context.Context, target S, env Envelope, a args) (any, error)

// Options configures a Router.
type Options struct {
	// Broker is the broker name this supervisor answers for, e.g. "ib".
	Broker string
	Dedupe *dedupe.Cache
	Logger *slog.Logger
}

// Router dispatches commands for one broker.
type Router[S Target] struct {
	reg      *registry.Registry[S]
	broker   string
	seen     *dedupe.Cache
	logger   *slog.Logger
	handlers map[Kind]handlerFunc[S]
}

// New creates a router over reg.
func New[S Target](reg *registry.Registry[S], opts Options) *Router[S] {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Broker == "" {
		opts.Broker = "ib"
	}
	r := &Router[S]{
		reg:    reg,
		broker: opts.Broker,
		seen:   opts.Dedupe,
		logger: logger,
	}
	r.handlers = map[Kind]handlerFunc[S]{
		KindAddUser:             r.addUser,
		KindDeleteUser:          r.deleteUser,
		KindReplaceUser:         r.replaceUser,
		KindFindUser:            r.findUser,
		KindGetExistingUsers:    r.existingUsers,
		KindIsLoggedIn:          r.isLoggedIn,
		KindFindUnusedPort:      r.findUnusedPort,
		KindStartGateway:        r.startGateway,
		KindGetAllAccounts:      r.getAllAccounts,
		KindGetAccountInfo:      r.getAccountInfo,
		KindSubscribeGUIUpdates: r.subscribe,
		KindGetAllPositions:     r.getAllPositions,
		KindGetAllOrders:        r.getAllOrders,
		KindCreatePosition:      r.createPosition,
		KindModifyPosition:      r.modifyPosition,
		KindDeletePosition:      r.deletePosition,
		KindCreateOrder:         r.createOrder,
		KindModifyOrder:         r.modifyOrder,
		KindDeleteOrder:         r.deleteOrder,
	}
	return r
}

// Dispatch executes one raw command and returns its reply. fresh is false
// for a redelivered msg_id: out is then the earlier reply when it has been
// produced, or the zero Outbound while the first delivery is still running.
func (r *Router[S]) Dispatch(ctx context.Context, raw []byte) (out Outbound, fresh bool) {
	env, err := Decode(raw)
	msgID := string(env.MsgID)
	if err != nil {
		r.logger.Warn("bad command", "msg_id", msgID, "error", err)
		return Reply(msgID, domain.ErrorResult(err.Error())), true
	}

	if r.seen != nil && msgID != "" {
		if prev, dup := r.seen.Claim(msgID); dup {
			r.logger.Info("duplicate command dropped", "cmd", env.Cmd, "msg_id", msgID)
			if prev, ok := prev.(Outbound); ok {
				return prev, false
			}
			return Outbound{}, false
		}
	}

	out = Reply(msgID, r.execute(ctx, env))
	if r.seen != nil && msgID != "" {
		r.seen.Complete(msgID, out)
	}
	return out, true
}

// execute runs the handler and converts every failure, including panics,
// into an error result.
func (r *Router[S]) execute(ctx context.Context, env Envelope) (result any) {
	logger := r.logger.With("cmd", env.Cmd, "msg_id", string(env.MsgID), "broker_id", string(env.BrokerID))

	if env.Broker != r.broker {
		logger.Debug("command for another broker", "broker", env.Broker)
		return domain.Result{}
	}
	kind, ok := ParseKind(env.Cmd)
	if !ok {
		logger.Debug("unknown command")
		return domain.Result{}
	}

	defer func() {
		if p := recover(); p != nil {
			logger.Error("command panicked", "panic", p, "stack", string(debug.Stack()))
			result = domain.ErrorResult(fmt.Sprint(p))
		}
	}()

	var target S
	if kind.Targeted() {
		target, ok = r.resolve(env.BrokerID)
		if !ok {
			logger.Warn("target session not found")
			return domain.ErrorResult(ErrSessionNotFound.Error())
		}
	}

	a := env.args()
	if kind.dropsFirstArg() {
		a = a.drop(1)
	}

	logger.Info("command")
	res, err := r.handlers[kind](ctx, target, env, a)
	if err != nil {
		logger.Warn("command failed", "error", err)
		return domain.ErrorResult(err.Error())
	}
	return res
}

func (r *Router[S]) resolve(brokerID ID) (S, bool) {
	if brokerID == "" {
		return r.reg.Parent()
	}
	return r.reg.Get(string(brokerID))
}

// --- pump ---

// Source yields raw commands. Receive blocks until a command arrives or
// ctx is done.
type Source interface {
	Receive(ctx context.Context) ([]byte, error)
}

// Pump reads commands from src and dispatches up to workers of them
// concurrently, enqueuing each fresh reply on out. It returns when ctx is
// done or src fails permanently.
func (r *Router[S]) Pump(ctx context.Context, src Source, out *Outbox, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var recvErr error
	for {
		raw, err := src.Receive(gctx)
		if err != nil {
			if gctx.Err() == nil {
				recvErr = err
			}
			break
		}
		if raw == nil {
			continue
		}
		g.Go(func() error {
			reply, fresh := r.Dispatch(gctx, raw)
			if fresh {
				out.Enqueue(reply)
			}
			return nil
		})
	}
	_ = g.Wait()
	return recvErr
}
