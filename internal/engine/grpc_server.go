package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/manav2701/Aperture/internal/domain"
	"github.com/manav2701/Aperture/internal/gate"
	"github.com/manav2701/Aperture/internal/infra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Сервис описан вручную поверх google.protobuf.Struct, без сгенерированного кода.
const (
	PaymentGateService = "aperture.v1.PaymentGate"
	methodEvaluate     = "/" + PaymentGateService + "/Evaluate"
	methodSettle       = "/" + PaymentGateService + "/Settle"
)

// maxExactAmount: числа в Struct это float64, выше 2^53 сумма передается строкой.
const maxExactAmount = 1 << 53

type paymentGateServer interface {
	Evaluate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Settle(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var paymentGateServiceDesc = grpc.ServiceDesc{
	ServiceName: PaymentGateService,
	HandlerType: (*paymentGateServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: unaryHandler(methodEvaluate, paymentGateServer.Evaluate)},
		{MethodName: "Settle", Handler: unaryHandler(methodSettle, paymentGateServer.Settle)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "aperture/v1/payment_gate.proto",
}

func unaryHandler(fullMethod string, call func(paymentGateServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(paymentGateServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(paymentGateServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// GRPCGatewayServer: тот же evaluate/settle, что и в HTTP API.
type GRPCGatewayServer struct {
	gate   PaymentGate
	clock  infra.Clock
	logger *zap.Logger
}

func NewGRPCGatewayServer(g PaymentGate, clock infra.Clock, logger *zap.Logger) *GRPCGatewayServer {
	return &GRPCGatewayServer{gate: g, clock: clock, logger: logger.Named("grpc")}
}

// Register подключает сервис к grpc.Server.
func (s *GRPCGatewayServer) Register(reg grpc.ServiceRegistrar) {
	reg.RegisterService(&paymentGateServiceDesc, s)
}

// Evaluate: {agent_id, amount, asset, service, facilitator} -> {allowed, reason, reservation_id, expires_at, record_id}.
func (s *GRPCGatewayServer) Evaluate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f := in.GetFields()
	agentID := f["agent_id"].GetStringValue()
	if err := authorizeAgent(ctx, agentID); err != nil {
		return nil, grpcError(err)
	}

	amount, err := amountField(f["amount"])
	if err != nil {
		return nil, grpcError(err)
	}
	req, err := buildPaymentRequest(agentID, amount, f["asset"].GetStringValue(),
		f["service"].GetStringValue(), f["facilitator"].GetStringValue())
	if err != nil {
		return nil, grpcError(err)
	}
	req.TraceID = f["trace_id"].GetStringValue()
	if req.TraceID == "" {
		req.TraceID = TraceID(ctx)
	}

	verdict, err := s.gate.Evaluate(ctx, req, s.clock.Now())
	if err != nil {
		return nil, grpcError(err)
	}

	resp := newEvaluateResponse(verdict)
	out := map[string]interface{}{
		"allowed": resp.Allowed,
		"reason":  string(resp.Reason),
	}
	if resp.ReservationID != "" {
		out["reservation_id"] = resp.ReservationID
		out["expires_at"] = resp.ExpiresAt.Format(time.RFC3339Nano)
	}
	if resp.RecordID != "" {
		out["record_id"] = resp.RecordID
	}
	return structpb.NewStruct(out)
}

// Settle: {reservation_id, outcome, detail} -> PaymentRecord.
func (s *GRPCGatewayServer) Settle(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f := in.GetFields()
	rec, err := s.gate.Settle(ctx, f["reservation_id"].GetStringValue(), domain.Outcome(f["outcome"].GetStringValue()),
		gate.SettleContext{TraceID: f["trace_id"].GetStringValue(), Detail: f["detail"].GetStringValue()}, s.clock.Now())
	if err != nil {
		return nil, grpcError(err)
	}
	return recordStruct(rec)
}

func amountField(v *structpb.Value) (uint64, error) {
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		n, err := strconv.ParseUint(k.StringValue, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: amount: %v", domain.ErrInvalidArgument, err)
		}
		return n, nil
	case *structpb.Value_NumberValue:
		n := k.NumberValue
		if n < 0 || n > maxExactAmount || n != math.Trunc(n) {
			return 0, fmt.Errorf("%w: amount must be a non-negative integer below 2^53 (use a string)", domain.ErrInvalidArgument)
		}
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("%w: amount is required", domain.ErrInvalidArgument)
	}
}

func recordStruct(rec *domain.PaymentRecord) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"id":             rec.ID,
		"agent_id":       rec.AgentID,
		"amount":         strconv.FormatUint(rec.Amount, 10),
		"asset":          string(rec.Asset),
		"service_id":     rec.ServiceID,
		"facilitator_id": rec.FacilitatorID,
		"decision":       string(rec.Decision),
		"reason":         string(rec.Reason),
		"reservation_id": rec.ReservationID,
		"stage":          string(rec.Stage),
		"trace_id":       rec.TraceID,
		"detail":         rec.Detail,
		"timestamp":      rec.Timestamp.Format(time.RFC3339Nano),
	})
}

func grpcError(err error) error {
	var de *domain.Error
	if !errors.As(err, &de) {
		return status.Error(codes.Unavailable, "payment engine unavailable")
	}
	switch de.Reason {
	case domain.ReasonInvalidArgument:
		return status.Error(codes.InvalidArgument, err.Error())
	case domain.ReasonUnauthorized:
		return status.Error(codes.PermissionDenied, err.Error())
	case domain.ReasonInvalidReservation, domain.ReasonNotFound:
		return status.Error(codes.NotFound, err.Error())
	case domain.ReasonArithmeticOverflow:
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// PaymentGateClient: клиент для aperturectl и агентов на Go.
type PaymentGateClient struct {
	cc grpc.ClientConnInterface
}

func NewPaymentGateClient(cc grpc.ClientConnInterface) *PaymentGateClient {
	return &PaymentGateClient{cc: cc}
}

func (c *PaymentGateClient) Evaluate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodEvaluate, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *PaymentGateClient) Settle(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodSettle, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
