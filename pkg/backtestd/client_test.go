package backtestd

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"backtestd/internal/api"
	"backtestd/internal/domain"
	"backtestd/internal/engine"
	"backtestd/internal/job"
	"backtestd/internal/sandbox"
	"backtestd/internal/series"
	"backtestd/internal/store"
	"backtestd/internal/strategy/builtins"
	"backtestd/internal/util"
)

type harness struct {
	client *Client
	pool   *job.Pool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	mem := store.NewMemoryStore()
	days := util.NewTradingCalendar(nil).Sessions(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), 20)
	var bars []domain.PriceBar
	for i, d := range days {
		p := decimal.NewFromInt(int64(20 + i))
		bars = append(bars, domain.PriceBar{Symbol: "AAA", Date: d, Open: p, High: p, Low: p, Close: p, Volume: 1})
	}
	require.NoError(t, mem.WriteBars(ctx, "us", bars))

	logger := util.Discard()
	sb := sandbox.New(sandbox.Options{Registry: builtins.Registry(), Logger: logger})
	provider := series.NewProvider(mem, nil, series.Options{Market: "us", Logger: logger})
	eng := engine.New(mem, provider, sb, engine.Settings{PeriodsPerYear: 252}, logger)
	orch := job.NewOrchestrator(mem, eng, sb, job.Options{
		Logger: logger,
		Defaults: job.Defaults{
			InitialCash: decimal.NewFromInt(10000),
			Commission:  domain.ModelSpec{Name: "none"},
			Slippage:    domain.ModelSpec{Name: "none"},
		},
	})

	lis := bufconn.Listen(1 << 20)
	srv := api.NewServer("bufnet", api.NewService(orch, sb, logger), logger)
	go func() { _ = srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &harness{
		client: NewClient(conn),
		pool:   job.NewPool(mem, orch, 1, time.Millisecond, "test", logger),
	}
}

func TestClientRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.client.ValidateStrategy(ctx, "kind: rules\non_bar:\n  - when: now() > 0\n    buy: 1\n")
	require.NoError(t, err)
	assert.False(t, res.OK)
	require.NotEmpty(t, res.Diagnostics)
	assert.Equal(t, "disallowed-capability", string(res.Diagnostics[0].Kind))

	st, val, err := h.client.CreateStrategy(ctx, "", "kind: builtin\nbuiltin: buy-and-hold\n")
	require.NoError(t, err)
	require.True(t, val.OK)
	require.NotNil(t, st)

	submitted, err := h.client.SubmitJob(ctx, &JobRequest{
		StrategyID: st.ID,
		Params:     map[string]float64{"qty": 5},
		Universe:   []string{"AAA"},
		Start:      "2024-01-01",
		End:        "2024-02-01",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, submitted.State)
	assert.Equal(t, 1, submitted.StrategyVersion)

	require.NoError(t, h.pool.Drain(ctx))

	got, err := h.client.GetJob(ctx, submitted.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobSucceeded, got.State, "%+v", got.Failure)

	result, err := h.client.GetResult(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Len(t, result.EquityCurve, 20)
	require.NotEmpty(t, result.Orders)
	assert.True(t, result.Orders[0].Order.Qty.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, engine.Version, result.Manifest.EngineVersion)

	jobs, err := h.client.ListJobs(ctx, &ListRequest{State: domain.JobSucceeded})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestClientErrorCodes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.GetJob(ctx, "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = h.client.SubmitJob(ctx, &JobRequest{StrategyID: "x", Universe: []string{"AAA"}, Start: "2024-13-01", End: "2024-02-01"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	st, _, err := h.client.CreateStrategy(ctx, "", "kind: builtin\nbuiltin: buy-and-hold\n")
	require.NoError(t, err)
	queued, err := h.client.SubmitJob(ctx, &JobRequest{StrategyID: st.ID, Universe: []string{"AAA"}, Start: "2024-01-01", End: "2024-02-01"})
	require.NoError(t, err)

	_, err = h.client.RetryJob(ctx, queued.ID)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	cancelled, err := h.client.CancelJob(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, cancelled.State)

	_, err = h.client.GetResult(ctx, queued.ID)
	assert.Equal(t, codes.NotFound, status.Code(err))
}
