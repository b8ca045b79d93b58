package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/offsync/internal/conflict"
	"github.com/matheus3301/offsync/internal/queue"
	"github.com/matheus3301/offsync/internal/record"
	intsync "github.com/matheus3301/offsync/internal/sync"
)

// Client talks to a daemon's SyncService.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon listening on socketPath. The connection is
// established lazily on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Healthy reports whether the daemon answers health checks as serving.
func (c *Client) Healthy(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return err
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("daemon status %s", resp.Status)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return fromStruct(out, resp)
}

func (c *Client) Enqueue(ctx context.Context, action queue.Action, r record.Record) (Item, error) {
	var it Item
	err := c.call(ctx, "Enqueue", EnqueueRequest{Action: string(action), Record: r}, &it)
	return it, err
}

func (c *Client) Sync(ctx context.Context) (intsync.RunResult, error) {
	var resp SyncResponse
	err := c.call(ctx, "Sync", struct{}{}, &resp)
	return resp.Result, err
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	err := c.call(ctx, "Status", struct{}{}, &resp)
	return resp, err
}

func (c *Client) SetAutoSync(ctx context.Context, enabled bool) (StatusResponse, error) {
	var resp StatusResponse
	err := c.call(ctx, "SetAutoSync", SetAutoSyncRequest{Enabled: enabled}, &resp)
	return resp, err
}

func (c *Client) SetInterval(ctx context.Context, minutes int) (StatusResponse, error) {
	var resp StatusResponse
	err := c.call(ctx, "SetInterval", SetIntervalRequest{Minutes: minutes}, &resp)
	return resp, err
}

func (c *Client) ResolveConflict(ctx context.Context, id string, policy conflict.Policy) (record.Record, error) {
	var resp RecordResponse
	err := c.call(ctx, "ResolveConflict", ResolveConflictRequest{ID: id, Policy: string(policy)}, &resp)
	return resp.Record, err
}

func (c *Client) ListQueue(ctx context.Context) ([]Item, error) {
	var resp ListQueueResponse
	err := c.call(ctx, "ListQueue", struct{}{}, &resp)
	return resp.Items, err
}

func (c *Client) ClearQueue(ctx context.Context) (int, error) {
	var resp ClearQueueResponse
	err := c.call(ctx, "ClearQueue", struct{}{}, &resp)
	return resp.Cleared, err
}

func (c *Client) GetRecord(ctx context.Context, id string) (record.Record, error) {
	var resp RecordResponse
	err := c.call(ctx, "GetRecord", RecordRequest{ID: id}, &resp)
	return resp.Record, err
}

// WatchEvents streams events whose kind starts with prefix to fn until ctx
// is done, the stream ends or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, prefix string, fn func(EventEnvelope) error) error {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], fullMethod("WatchEvents"))
	if err != nil {
		return err
	}
	in, err := toStruct(WatchRequest{Prefix: prefix})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var env EventEnvelope
		if err := fromStruct(out, &env); err != nil {
			return err
		}
		if err := fn(env); err != nil {
			return err
		}
	}
}
