package api

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"backtestd/internal/domain"
	"backtestd/internal/job"
	"backtestd/internal/sandbox"
	"backtestd/internal/store"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "backtestd.v1.Backtest"

// Method names of the Backtest service.
const (
	MethodCreateStrategy   = "CreateStrategy"
	MethodValidateStrategy = "ValidateStrategy"
	MethodGetStrategy      = "GetStrategy"
	MethodSubmitJob        = "SubmitJob"
	MethodGetJob           = "GetJob"
	MethodListJobs         = "ListJobs"
	MethodCancelJob        = "CancelJob"
	MethodRetryJob         = "RetryJob"
	MethodGetResult        = "GetResult"
)

// FullMethod returns the invoke path of a Backtest method.
func FullMethod(name string) string { return "/" + ServiceName + "/" + name }

// Service implements the Backtest gRPC service on top of the orchestrator.
type Service struct {
	orch      *job.Orchestrator
	validator job.Validator
	logger    *slog.Logger
}

// NewService creates a Service.
func NewService(orch *job.Orchestrator, validator job.Validator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{orch: orch, validator: validator, logger: logger}
}

// CreateStrategyResponse is the CreateStrategy response.
type CreateStrategyResponse struct {
	Strategy   *domain.Strategy         `json:"strategy,omitempty"`
	Validation sandbox.ValidationResult `json:"validation"`
}

func (s *Service) createStrategy(ctx context.Context, req *StrategyRequest) (any, error) {
	st, res, err := s.orch.CreateStrategy(ctx, req.ID, req.Source)
	if err != nil && domain.KindOf(err) != domain.KindValidation {
		return nil, err
	}
	// Rejected source is reported through the validation result.
	return &CreateStrategyResponse{Strategy: st, Validation: res}, nil
}

func (s *Service) validateStrategy(ctx context.Context, req *StrategyRequest) (any, error) {
	res := s.validator.Validate(ctx, req.Source)
	return &res, nil
}

func (s *Service) getStrategy(ctx context.Context, req *IDRequest) (any, error) {
	return s.orch.Strategy(ctx, req.ID, req.Version)
}

func (s *Service) submitJob(ctx context.Context, req *JobRequest) (any, error) {
	j, err := req.Job(s.orch.Defaults())
	if err != nil {
		return nil, err
	}
	return s.orch.Submit(ctx, j)
}

func (s *Service) getJob(ctx context.Context, req *IDRequest) (any, error) {
	return s.orch.Get(ctx, req.ID)
}

func (s *Service) listJobs(ctx context.Context, req *ListRequest) (any, error) {
	jobs, err := s.orch.List(ctx, req.State, req.Limit)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []domain.BacktestJob{}
	}
	return &JobList{Jobs: jobs}, nil
}

func (s *Service) cancelJob(ctx context.Context, req *IDRequest) (any, error) {
	return s.orch.Cancel(ctx, req.ID)
}

func (s *Service) retryJob(ctx context.Context, req *IDRequest) (any, error) {
	return s.orch.Retry(ctx, req.ID)
}

func (s *Service) getResult(ctx context.Context, req *IDRequest) (any, error) {
	return s.orch.Result(ctx, req.ID)
}

// unary adapts a typed method to a grpc.MethodDesc handler. Requests and
// responses are Structs decoded to and from T and the method's result.
func unary[T any](name string, call func(*Service, context.Context, *T) (any, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handle := func(ctx context.Context, req any) (any, error) {
				var typed T
				if err := FromStruct(req.(*structpb.Struct), &typed); err != nil {
					return nil, status.Error(codes.InvalidArgument, err.Error())
				}
				out, err := call(srv.(*Service), ctx, &typed)
				if err != nil {
					return nil, toStatus(err)
				}
				msg, err := ToStruct(out)
				if err != nil {
					return nil, status.Error(codes.Internal, err.Error())
				}
				return msg, nil
			}
			if interceptor == nil {
				return handle(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, handle)
		},
	}
}

// serviceDesc describes the Backtest service without generated code.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodCreateStrategy, (*Service).createStrategy),
		unary(MethodValidateStrategy, (*Service).validateStrategy),
		unary(MethodGetStrategy, (*Service).getStrategy),
		unary(MethodSubmitJob, (*Service).submitJob),
		unary(MethodGetJob, (*Service).getJob),
		unary(MethodListJobs, (*Service).listJobs),
		unary(MethodCancelJob, (*Service).cancelJob),
		unary(MethodRetryJob, (*Service).retryJob),
		unary(MethodGetResult, (*Service).getResult),
	},
	Metadata: "backtestd/v1/backtest.proto",
}

// RegisterGRPC registers the service on gs.
func (s *Service) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// toStatus maps domain and store errors to gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, store.ErrStateConflict), errors.Is(err, job.ErrIllegalTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	var de *domain.Error
	if errors.As(err, &de) {
		switch de.Kind {
		case domain.KindValidation, domain.KindConfiguration, domain.KindStrategyLoad:
			return status.Error(codes.InvalidArgument, err.Error())
		case domain.KindData:
			return status.Error(codes.Unavailable, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

// LoggingInterceptor logs every call with its duration and status code.
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		level := slog.LevelInfo
		if err != nil {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "grpc call",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"elapsed", time.Since(start),
		)
		return resp, err
	}
}
