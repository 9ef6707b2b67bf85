// Package ibsupervisor is a Go SDK for the supervisor's gRPC service.
package ibsupervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"ibsupervisor/internal/transport"
)

// Command is a command envelope. MsgID is generated when empty and Broker
// defaults to "ib".
type Command struct {
	Cmd      string         `json:"cmd"`
	Broker   string         `json:"broker"`
	BrokerID string         `json:"broker_id,omitempty"`
	MsgID    string         `json:"msg_id"`
	Args     []any          `json:"args"`
	Kwargs   map[string]any `json:"kwargs"`
}

// Envelope is a reply or event produced by the supervisor.
type Envelope struct {
	Type    string `json:"type"`
	Message struct {
		MsgID  string         `json:"msg_id"`
		Result map[string]any `json:"result"`
	} `json:"message"`
}

// Err returns the soft error carried by the result, or "".
func (e Envelope) Err() string {
	msg, _ := e.Message.Result["error"].(string)
	return msg
}

// Client talks to a running supervisor.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient creates a client for the supervisor at addr.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Execute sends one command and waits for its reply.
func (c *Client) Execute(ctx context.Context, cmd Command) (Envelope, error) {
	if cmd.MsgID == "" {
		cmd.MsgID = uuid.NewString()
	}
	if cmd.Broker == "" {
		cmd.Broker = "ib"
	}
	if cmd.Args == nil {
		cmd.Args = []any{}
	}
	if cmd.Kwargs == nil {
		cmd.Kwargs = map[string]any{}
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding command: %w", err)
	}
	in := new(structpb.Struct)
	if err := protojson.Unmarshal(data, in); err != nil {
		return Envelope{}, fmt.Errorf("encoding command: %w", err)
	}

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, transport.ExecuteMethod, in, out); err != nil {
		return Envelope{}, fmt.Errorf("%s: %w", cmd.Cmd, err)
	}
	return decodeEnvelope(out)
}

// Watch streams every reply and event until ctx is cancelled or the
// stream ends. fn runs on the receiving goroutine.
func (c *Client) Watch(ctx context.Context, fn func(Envelope)) error {
	desc := transport.WatchStreamDesc
	stream, err := c.conn.NewStream(ctx, &desc, transport.WatchMethod)
	if err != nil {
		return fmt.Errorf("starting watch: %w", err)
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return fmt.Errorf("starting watch: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("starting watch: %w", err)
	}

	for {
		msg := new(structpb.Struct)
		err := stream.RecvMsg(msg)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receiving envelope: %w", err)
		}
		env, err := decodeEnvelope(msg)
		if err != nil {
			return err
		}
		fn(env)
	}
}

func decodeEnvelope(msg *structpb.Struct) (Envelope, error) {
	data, err := protojson.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	return env, nil
}
