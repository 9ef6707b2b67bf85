package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibsupervisor/internal/domain"
	"ibsupervisor/internal/router"
	"ibsupervisor/internal/util"
)

func newTestRedis(t *testing.T) (*Redis, *redis.Client, string, string) {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available: %v", err)
	}

	prefix := "test:ibsupervisor:" + uuid.NewString()
	commands, replies := prefix+":commands", prefix+":replies"
	t.Cleanup(func() {
		client.Del(context.Background(), commands, replies)
		client.Close()
	})

	r := NewRedis(RedisConfig{
		Client:        client,
		CommandsKey:   commands,
		RepliesStream: replies,
		MaxLen:        1000,
		PollTimeout:   100 * time.Millisecond,
		Logger:        util.Discard(),
	})
	return r, client, commands, replies
}

func TestRedisReceive(t *testing.T) {
	r, client, commands, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, client.RPush(ctx, commands, `{"cmd":"a"}`, `{"cmd":"b"}`).Err())

	first, err := r.Receive(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cmd":"a"}`, string(first))

	second, err := r.Receive(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cmd":"b"}`, string(second))
}

func TestRedisReceiveCancelled(t *testing.T) {
	r, _, _, _ := newTestRedis(t)

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	_, err := r.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisSend(t *testing.T) {
	r, client, _, replies := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.Send(ctx, router.Reply("m1", domain.Result{"completed": true})))

	msgs, err := client.XRange(ctx, replies, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	data, ok := msgs[0].Values["data"].(string)
	require.True(t, ok)
	var out router.Outbound
	require.NoError(t, json.Unmarshal([]byte(data), &out))
	assert.Equal(t, "broker_reply", out.Type)
	assert.Equal(t, "m1", out.Message.MsgID)
}
