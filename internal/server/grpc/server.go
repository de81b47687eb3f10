// Package grpcserver exposes the internal Metrionix gRPC API used by
// schedulers and the mxctl CLI.
package grpcserver

import (
	"context"
	"errors"

	"github.com/and161185/metrionix/internal/convert"
	"github.com/and161185/metrionix/internal/errs"
	"github.com/and161185/metrionix/internal/service"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server wires services into gRPC handlers.
type Server struct {
	sync         service.SyncService
	integrations service.IntegrationService
}

var _ IntegrationsServer = (*Server)(nil)

// New constructs a gRPC server with injected services.
func New(sync service.SyncService, integrations service.IntegrationService) *Server {
	return &Server{sync: sync, integrations: integrations}
}

// NewGRPC builds a grpc.Server with the standard interceptor chain, the
// Integrations service and the health service registered.
func NewGRPC(log *zap.Logger, auth service.AuthService, app *Server, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append(opts, grpc.ChainUnaryInterceptor(
		RecoverUnary(log),
		LoggingUnary(log),
		AuthUnary(auth),
	))
	gs := grpc.NewServer(opts...)
	RegisterIntegrationsServer(gs, app)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs, hs
}

// TriggerSync runs one sync for the calling agency. A failed run returns a
// status whose message is the result error.
func (s *Server) TriggerSync(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	agency, ok := AgencyIDFromCtx(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	p, err := convert.FromStructSync(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad request: %v", err)
	}
	if p.AgencyID != "" && p.AgencyID != agency.String() {
		return nil, status.Error(codes.PermissionDenied, "agency mismatch")
	}

	res, err := s.sync.Sync(ctx, service.SyncRequest{
		AgencyID:  agency,
		Platform:  p.Platform,
		AccountID: p.AccountID,
		StartDate: p.StartDate,
		EndDate:   p.EndDate,
	})
	if err != nil {
		msg := res.Error
		if msg == "" {
			msg = err.Error()
		}
		return nil, status.Error(codeFor(err), msg)
	}
	return convert.ToStructSyncResult(res), nil
}

// ListIntegrations returns the calling agency's integrations.
func (s *Server) ListIntegrations(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	agency, ok := AgencyIDFromCtx(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	list, err := s.integrations.List(ctx, agency)
	if err != nil {
		return nil, status.Error(codeFor(err), err.Error())
	}
	return convert.ToStructIntegrations(list), nil
}

func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return codes.InvalidArgument
	case errors.Is(err, errs.ErrIntegrationNotFound), errors.Is(err, errs.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, errs.ErrSyncInProgress):
		return codes.Aborted
	case errors.Is(err, errs.ErrCredentialsRevoked):
		return codes.FailedPrecondition
	case errors.Is(err, errs.ErrExternalAPI):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
