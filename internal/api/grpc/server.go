// Package grpc exposes the backtest service over gRPC without generated
// code: requests and responses are google.protobuf.Struct values.
package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tsangh5/BacktestGPT/internal/db/repository"
	"github.com/tsangh5/BacktestGPT/internal/domain"
	"github.com/tsangh5/BacktestGPT/internal/pipeline"
	"github.com/tsangh5/BacktestGPT/internal/registry"
)

// BacktestService runs backtests.
type BacktestService interface {
	RunStructured(ctx context.Context, c domain.CandidateStrategy) (*domain.BacktestResult, error)
	RunConversational(ctx context.Context, req pipeline.ConversationRequest) (*pipeline.ConversationResponse, error)
}

// Server implements BacktestServiceServer.
type Server struct {
	service  BacktestService
	registry *registry.Registry
	runs     repository.RunRepository
	logger   *zap.Logger

	grpcServer *grpc.Server
}

// NewServer creates a new gRPC server. A nil runs repository serves an
// empty history.
func NewServer(service BacktestService, reg *registry.Registry, runs repository.RunRepository, logger *zap.Logger) *Server {
	if runs == nil {
		runs = repository.NoOpRunRepository{}
	}
	s := &Server{
		service:  service,
		registry: reg,
		runs:     runs,
		logger:   logger.With(zap.String("component", "grpc_server")),
	}
	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logUnary))
	RegisterBacktestServiceServer(s.grpcServer, s)
	return s
}

// Start listens on address and serves until Stop.
func (s *Server) Start(address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC server starting", zap.String("address", lis.Addr().String()))
	return s.grpcServer.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	began := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)

	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.String("code", code.String()),
		zap.Duration("elapsed", time.Since(began)),
	}
	if code == codes.Internal || code == codes.Unknown {
		s.logger.Error("gRPC call failed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Debug("gRPC call", fields...)
	}
	return resp, err
}

// RunBacktest runs a structured backtest. The request is the flat candidate
// strategy.
func (s *Server) RunBacktest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var c domain.CandidateStrategy
	if err := fromStruct(in, &c); err != nil {
		return nil, err
	}

	result, err := s.service.RunStructured(ctx, c)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(result)
}

// Converse runs one conversational turn.
func (s *Server) Converse(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req pipeline.ConversationRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}

	resp, err := s.service.RunConversational(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(resp)
}

// ListRegistry returns the indicator and operator catalogs.
func (s *Server) ListRegistry(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(map[string]any{
		"indicators": s.registry.ListIndicators(),
		"operators":  s.registry.ListOperators(),
	})
}

// GetRun returns one history record.
func (s *Server) GetRun(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := uuid.Parse(in.GetFields()["id"].GetStringValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid id: %v", err)
	}

	run, err := s.runs.GetByID(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}

	out := struct {
		*domain.BacktestRun
		Strategy json.RawMessage `json:"strategy,omitempty"`
	}{BacktestRun: run}
	if json.Valid(run.Strategy) {
		out.Strategy = run.Strategy
	}
	return toStruct(out)
}

func fromStruct(in *structpb.Struct, dst any) error {
	body, err := protojson.Marshal(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(body, out); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

// toStatus maps service errors to gRPC status codes. Validation defects are
// attached as BadRequest field violations.
func toStatus(err error) error {
	if defects, ok := domain.AsValidationDefects(err); ok {
		st := status.New(codes.InvalidArgument, fmt.Sprintf("strategy has %d defect(s)", len(defects)))
		br := &errdetails.BadRequest{}
		for _, d := range defects {
			br.FieldViolations = append(br.FieldViolations, &errdetails.BadRequest_FieldViolation{
				Field:       d.Field,
				Description: string(d.Code) + ": " + d.String(),
			})
		}
		if withDetails, dErr := st.WithDetails(br); dErr == nil {
			st = withDetails
		}
		return st.Err()
	}

	switch {
	case domain.IsExternalServiceError(err):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, pipeline.ErrConversationDisabled):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "request timed out")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
