// Package backtestd is a Go client for the backtestd gRPC service.
package backtestd

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"backtestd/internal/api"
	"backtestd/internal/domain"
	"backtestd/internal/sandbox"
)

// Request types re-exported for callers.
type (
	JobRequest  = api.JobRequest
	ListRequest = api.ListRequest
)

// Client provides a Go SDK for interacting with backtestd.
type Client struct {
	conn *grpc.ClientConn
	own  bool
}

// Dial creates a client for the server at addr using plaintext transport.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &Client{conn: conn, own: true}, nil
}

// NewClient wraps an existing connection. Close leaves it open.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close releases the connection if the client created it.
func (c *Client) Close() error {
	if !c.own {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	in, err := api.ToStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.FullMethod(method), in, out); err != nil {
		return err
	}
	return api.FromStruct(out, resp)
}

// CreateStrategy stores source as a new strategy, or as a new version of id.
// When the source is rejected the returned strategy is nil and the
// validation result carries the diagnostics.
func (c *Client) CreateStrategy(ctx context.Context, id, source string) (*domain.Strategy, *sandbox.ValidationResult, error) {
	var resp api.CreateStrategyResponse
	if err := c.call(ctx, api.MethodCreateStrategy, &api.StrategyRequest{ID: id, Source: source}, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Strategy, &resp.Validation, nil
}

// ValidateStrategy checks source without storing it.
func (c *Client) ValidateStrategy(ctx context.Context, source string) (*sandbox.ValidationResult, error) {
	var res sandbox.ValidationResult
	if err := c.call(ctx, api.MethodValidateStrategy, &api.StrategyRequest{Source: source}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetStrategy returns a strategy version; version 0 means the latest.
func (c *Client) GetStrategy(ctx context.Context, id string, version int) (*domain.Strategy, error) {
	var st domain.Strategy
	if err := c.call(ctx, api.MethodGetStrategy, &api.IDRequest{ID: id, Version: version}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// SubmitJob queues a backtest.
func (c *Client) SubmitJob(ctx context.Context, req *JobRequest) (*domain.BacktestJob, error) {
	return c.jobCall(ctx, api.MethodSubmitJob, req)
}

// GetJob returns a job's current state.
func (c *Client) GetJob(ctx context.Context, id string) (*domain.BacktestJob, error) {
	return c.jobCall(ctx, api.MethodGetJob, &api.IDRequest{ID: id})
}

// CancelJob requests cancellation of a job.
func (c *Client) CancelJob(ctx context.Context, id string) (*domain.BacktestJob, error) {
	return c.jobCall(ctx, api.MethodCancelJob, &api.IDRequest{ID: id})
}

// RetryJob queues a new attempt of a failed or cancelled job.
func (c *Client) RetryJob(ctx context.Context, id string) (*domain.BacktestJob, error) {
	return c.jobCall(ctx, api.MethodRetryJob, &api.IDRequest{ID: id})
}

// ListJobs returns jobs newest first.
func (c *Client) ListJobs(ctx context.Context, req *ListRequest) ([]domain.BacktestJob, error) {
	var list api.JobList
	if err := c.call(ctx, api.MethodListJobs, req, &list); err != nil {
		return nil, err
	}
	return list.Jobs, nil
}

// GetResult returns the result of a succeeded job.
func (c *Client) GetResult(ctx context.Context, jobID string) (*domain.BacktestResult, error) {
	var res domain.BacktestResult
	if err := c.call(ctx, api.MethodGetResult, &api.IDRequest{ID: jobID}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) jobCall(ctx context.Context, method string, req any) (*domain.BacktestJob, error) {
	var j domain.BacktestJob
	if err := c.call(ctx, method, req, &j); err != nil {
		return nil, err
	}
	return &j, nil
}
