package server

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/limiquantix/groupmanager/internal/domain"
	"github.com/limiquantix/groupmanager/internal/rpc"
)

// MonitoringServiceName is the gRPC service node daemons report to.
const MonitoringServiceName = "groupmanager.v1.MonitoringService"

// JoinRequest announces a node to the group manager.
type JoinRequest struct {
	Node domain.Node `json:"node"`
}

// JoinResponse acknowledges a join.
type JoinResponse struct {
	Accepted bool `json:"accepted"`
}

// ReportRequest carries one monitoring report.
type ReportRequest struct {
	Report domain.MonitoringReport `json:"report"`
}

// ReportResponse acknowledges a report.
type ReportResponse struct{}

// MonitoringServer is the server API of the monitoring service.
type MonitoringServer interface {
	Join(ctx context.Context, req *JoinRequest) (*JoinResponse, error)
	Report(ctx context.Context, req *ReportRequest) (*ReportResponse, error)
}

// ReportSink receives node announcements and monitoring reports.
type ReportSink interface {
	Join(ctx context.Context, node *domain.Node) error
	OnMonitoringReport(ctx context.Context, report *domain.MonitoringReport) error
}

// MonitoringService implements MonitoringServer on top of the group manager.
type MonitoringService struct {
	sink   ReportSink
	logger *zap.Logger
}

// NewMonitoringService creates the monitoring service.
func NewMonitoringService(sink ReportSink, logger *zap.Logger) *MonitoringService {
	return &MonitoringService{
		sink:   sink,
		logger: logger.Named("monitoring-service"),
	}
}

// Join implements MonitoringServer.
func (s *MonitoringService) Join(ctx context.Context, req *JoinRequest) (*JoinResponse, error) {
	if err := s.sink.Join(ctx, &req.Node); err != nil {
		return nil, toStatus(err)
	}
	return &JoinResponse{Accepted: true}, nil
}

// Report implements MonitoringServer.
func (s *MonitoringService) Report(ctx context.Context, req *ReportRequest) (*ReportResponse, error) {
	if err := s.sink.OnMonitoringReport(ctx, &req.Report); err != nil {
		s.logger.Debug("Rejected monitoring report", zap.String("node_id", req.Report.NodeID), zap.Error(err))
		return nil, toStatus(err)
	}
	return &ReportResponse{}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return status.Error(codes.Aborted, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// RegisterMonitoringServer registers srv on s.
func RegisterMonitoringServer(s grpc.ServiceRegistrar, srv MonitoringServer) {
	s.RegisterService(&monitoringServiceDesc, srv)
}

var monitoringServiceDesc = grpc.ServiceDesc{
	ServiceName: MonitoringServiceName,
	HandlerType: (*MonitoringServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Join", Handler: joinHandler},
		{MethodName: "Report", Handler: reportHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func joinHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(JoinRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MonitoringServer).Join(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: rpc.MethodName(MonitoringServiceName, "Join"),
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MonitoringServer).Join(ctx, req.(*JoinRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func reportHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ReportRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MonitoringServer).Report(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: rpc.MethodName(MonitoringServiceName, "Report"),
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MonitoringServer).Report(ctx, req.(*ReportRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// unaryLoggingInterceptor logs failed unary calls.
func unaryLoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Warn("gRPC call failed",
				zap.String("method", info.FullMethod),
				zap.String("code", status.Code(err).String()),
				zap.Error(err),
			)
		}
		return resp, err
	}
}
