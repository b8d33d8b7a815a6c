package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/wabot/internal/ai"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// GenerateMethod is the unary method a reply service must expose. Requests
// and responses are google.protobuf.Struct messages.
const GenerateMethod = "/wabot.reply.v1.ReplyService/Generate"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GRPCConfig holds configuration for the gRPC provider.
type GRPCConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGRPCConfig returns default configuration.
func DefaultGRPCConfig(addr string) GRPCConfig {
	return GRPCConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPC asks a remote reply service over gRPC.
type GRPC struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// NewGRPC connects to the reply service and waits until it is ready.
func NewGRPC(cfg GRPCConfig, logger *slog.Logger) (*GRPC, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		return nil, errors.New("grpc: missing AI_GRPC_ADDR")
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to reply service at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("reply service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to reply service", "address", cfg.Address)
	return &GRPC{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Name implements ai.Provider.
func (p *GRPC) Name() string { return "grpc" }

// Generate implements ai.Provider.
func (p *GRPC) Generate(ctx context.Context, prompt ai.Prompt) (string, error) {
	history := make([]any, 0, len(prompt.History))
	for _, t := range prompt.History {
		history = append(history, map[string]any{
			"role": roleString(t.Role),
			"text": t.Text,
		})
	}

	req, err := structpb.NewStruct(map[string]any{
		"system":  prompt.System,
		"text":    prompt.Text,
		"from":    prompt.From,
		"history": history,
	})
	if err != nil {
		return "", fmt.Errorf("grpc: build request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := p.conn.Invoke(ctx, GenerateMethod, req, resp, grpc.WaitForReady(true)); err != nil {
		return "", fmt.Errorf("grpc: generate: %w", err)
	}

	if v, ok := resp.GetFields()["error"]; ok && v.GetStringValue() != "" {
		return "", fmt.Errorf("grpc: reply service error: %s", v.GetStringValue())
	}
	return resp.GetFields()["reply"].GetStringValue(), nil
}

// Close closes the gRPC connection.
func (p *GRPC) Close() error {
	if p.conn == nil {
		return nil
	}
	if err := p.conn.Close(); err != nil {
		p.logger.Warn("failed to close gRPC connection", "error", err)
		return err
	}
	return nil
}
