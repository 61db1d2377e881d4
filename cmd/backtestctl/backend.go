package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	grpcapi "github.com/tsangh5/BacktestGPT/internal/api/grpc"
	"github.com/tsangh5/BacktestGPT/internal/app"
	"github.com/tsangh5/BacktestGPT/internal/config"
	"github.com/tsangh5/BacktestGPT/internal/domain"
	"github.com/tsangh5/BacktestGPT/internal/logging"
	"github.com/tsangh5/BacktestGPT/internal/pipeline"
)

// runView is the part of a backtest result the CLI prints. Raw holds the
// full response for --json.
type runView struct {
	RunID   string          `json:"run_id"`
	Metrics domain.Metrics  `json:"metrics"`
	Trades  []domain.Trade  `json:"trades"`
	Raw     json.RawMessage `json:"-"`
}

// chatView is one conversational reply.
type chatView struct {
	NeedsClarification bool                     `json:"needs_clarification"`
	Message            string                   `json:"message"`
	Missing            []string                 `json:"missing,omitempty"`
	State              domain.ConversationState `json:"state"`
	Result             *runView                 `json:"result,omitempty"`
}

// backend runs requests either in-process or on a remote server.
type backend interface {
	Run(ctx context.Context, c domain.CandidateStrategy) (*runView, error)
	Converse(ctx context.Context, req pipeline.ConversationRequest) (*chatView, error)
	Close() error
}

func openBackend(ctx context.Context, opts *options) (backend, error) {
	if opts.server != "" {
		return dialRemote(opts.server)
	}
	return openLocal(ctx, opts)
}

// loadConfig loads the server configuration and points logging at stderr so
// it never mixes with command output.
func loadConfig(opts *options) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg.Logging.Format = "console"
	cfg.Logging.OutputPath = "stderr"
	cfg.Logging.Level = "warn"
	if opts.verbose {
		cfg.Logging.Level = "debug"
	}
	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

type localBackend struct {
	app    *app.App
	logger *zap.Logger
}

func openLocal(ctx context.Context, opts *options) (*localBackend, error) {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &localBackend{app: a, logger: logger}, nil
}

func (b *localBackend) Run(ctx context.Context, c domain.CandidateStrategy) (*runView, error) {
	result, err := b.app.Service.RunStructured(ctx, c)
	if err != nil {
		return nil, err
	}
	return newRunView(result)
}

func (b *localBackend) Converse(ctx context.Context, req pipeline.ConversationRequest) (*chatView, error) {
	resp, err := b.app.Service.RunConversational(ctx, req)
	if resp == nil {
		return nil, err
	}
	out := &chatView{
		NeedsClarification: resp.NeedsClarification,
		Message:            resp.Message,
		Missing:            resp.Missing,
		State:              resp.State,
	}
	if resp.Result != nil {
		if out.Result, err = newRunView(resp.Result); err != nil {
			return out, err
		}
	}
	return out, err
}

func (b *localBackend) Close() error {
	err := b.app.Close()
	_ = b.logger.Sync()
	return err
}

func newRunView(result *domain.BacktestResult) (*runView, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &runView{
		RunID:   result.RunID.String(),
		Metrics: result.Metrics,
		Trades:  result.Trades,
		Raw:     raw,
	}, nil
}

type remoteBackend struct {
	conn   *grpc.ClientConn
	client *grpcapi.Client
}

func dialRemote(address string) (*remoteBackend, error) {
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	return &remoteBackend{conn: conn, client: grpcapi.NewClient(conn)}, nil
}

func (b *remoteBackend) Run(ctx context.Context, c domain.CandidateStrategy) (*runView, error) {
	in, err := toStruct(c)
	if err != nil {
		return nil, err
	}
	out, err := b.client.RunBacktest(ctx, in)
	if err != nil {
		return nil, err
	}
	var view runView
	if view.Raw, err = fromStruct(out, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (b *remoteBackend) Converse(ctx context.Context, req pipeline.ConversationRequest) (*chatView, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, err
	}
	out, err := b.client.Converse(ctx, in)
	if err != nil {
		return nil, err
	}
	var view chatView
	if _, err := fromStruct(out, &view); err != nil {
		return nil, err
	}
	if view.Result != nil {
		raw, _ := protojson.Marshal(out.Fields["result"].GetStructValue())
		view.Result.Raw = raw
	}
	return &view, nil
}

func (b *remoteBackend) Close() error {
	return b.conn.Close()
}

func toStruct(v any) (*structpb.Struct, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(body, out); err != nil {
		return nil, err
	}
	return out, nil
}

func fromStruct(s *structpb.Struct, dst any) (json.RawMessage, error) {
	body, err := protojson.Marshal(s)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return nil, fmt.Errorf("unexpected response: %w", err)
	}
	return body, nil
}

// commandContext bounds one command by --timeout.
func commandContext(cmd *cobra.Command, opts *options) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), opts.timeout)
}
