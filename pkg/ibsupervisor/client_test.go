package ibsupervisor

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"ibsupervisor/internal/domain"
	"ibsupervisor/internal/router"
	"ibsupervisor/internal/transport"
	"ibsupervisor/internal/util"
)

// echoDispatcher replies with the command name and argument count.
type echoDispatcher struct{}

func (echoDispatcher) Dispatch(_ context.Context, raw []byte) (router.Outbound, bool) {
	env, err := router.Decode(raw)
	if err != nil {
		return router.Reply("", domain.ErrorResult(err.Error())), true
	}
	return router.Reply(string(env.MsgID), domain.Result{
		"cmd":    env.Cmd,
		"broker": env.Broker,
		"args":   len(env.Args),
	}), true
}

func startServer(t *testing.T, outbox *router.Outbox) *Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	transport.NewGRPCServer(echoDispatcher{}, outbox, util.Discard()).Register(gs)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	c, err := NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientExecute(t *testing.T) {
	c := startServer(t, router.NewOutbox(8, nil, util.Discard()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	env, err := c.Execute(ctx, Command{Cmd: "find_user", MsgID: "m1", Args: []any{"u", "s", "B1"}})
	require.NoError(t, err)

	assert.Equal(t, "broker_reply", env.Type)
	assert.Equal(t, "m1", env.Message.MsgID)
	assert.Equal(t, "find_user", env.Message.Result["cmd"])
	assert.Equal(t, "ib", env.Message.Result["broker"])
	assert.Equal(t, float64(3), env.Message.Result["args"])
	assert.Empty(t, env.Err())
}

func TestClientExecuteGeneratesMsgID(t *testing.T) {
	c := startServer(t, router.NewOutbox(8, nil, util.Discard()))

	env, err := c.Execute(context.Background(), Command{Cmd: "get_existing_users"})
	require.NoError(t, err)
	assert.NotEmpty(t, env.Message.MsgID)
}

func TestClientWatch(t *testing.T) {
	outbox := router.NewOutbox(8, nil, util.Discard())
	c := startServer(t, outbox)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go outbox.Run(ctx)

	got := make(chan Envelope, 4)
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(ctx, func(env Envelope) { got <- env })
	}()

	// The watcher registers asynchronously; keep notifying until one
	// event comes through.
	var env Envelope
	require.Eventually(t, func() bool {
		outbox.Notify("sub-1", domain.EventLoggedIn)
		select {
		case env = <-got:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, "account", env.Type)
	assert.Equal(t, "sub-1", env.Message.MsgID)
	data, err := json.Marshal(env.Message.Result)
	require.NoError(t, err)
	assert.JSONEq(t, `{"args":["logged_in"],"kwargs":{}}`, string(data))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
