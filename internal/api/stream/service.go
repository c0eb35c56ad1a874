package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/KevinKickass/ModbusPoller/internal/modbus"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName      = "mbpoll.ResultService"
	streamMethod     = "StreamResults"
	StreamResultsRPC = "/" + ServiceName + "/" + streamMethod

	subscriberBuffer = 32
)

// ResultServer is implemented by the result streaming service.
type ResultServer interface {
	StreamResults(req *structpb.Struct, stream grpc.ServerStream) error
}

// ServiceDesc describes mbpoll.ResultService. Requests and responses are
// google.protobuf.Struct, so no generated code is needed on either side.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ResultServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    streamMethod,
			Handler:       streamResultsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "mbpoll/results.proto",
}

func streamResultsHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(ResultServer).StreamResults(req, stream)
}

type subscriber struct {
	device uuid.UUID
	ch     chan modbus.ResultSet
}

// Service fans poll results out to every connected stream. A stream that
// cannot keep up loses result sets; it never slows the others.
type Service struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed chan struct{}
	once   sync.Once
}

func NewService(logger *zap.Logger) *Service {
	return &Service{
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
		closed: make(chan struct{}),
	}
}

// Register attaches the service to a gRPC server.
func (s *Service) Register(server *grpc.Server) {
	server.RegisterService(&ServiceDesc, s)
}

// Publish hands rs to every interested stream.
func (s *Service) Publish(rs modbus.ResultSet) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sub := range s.subs {
		if sub.device != uuid.Nil && sub.device != rs.DeviceID {
			continue
		}
		select {
		case sub.ch <- rs:
		default:
		}
	}
}

// Close ends every open stream.
func (s *Service) Close() {
	s.once.Do(func() { close(s.closed) })
}

// Subscribers is the number of open streams.
func (s *Service) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *Service) StreamResults(req *structpb.Struct, stream grpc.ServerStream) error {
	sub := &subscriber{ch: make(chan modbus.ResultSet, subscriberBuffer)}
	if v, ok := req.GetFields()["device_id"]; ok && v.GetStringValue() != "" {
		id, err := uuid.Parse(v.GetStringValue())
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "invalid device_id: %v", err)
		}
		sub.device = id
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}()

	s.logger.Info("Result stream opened", zap.String("device_filter", sub.device.String()))

	ctx := stream.Context()
	for {
		select {
		case rs := <-sub.ch:
			msg, err := ResultSetToStruct(rs)
			if err != nil {
				return status.Errorf(codes.Internal, "encode result set: %v", err)
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		case <-s.closed:
			return status.Error(codes.Unavailable, "server shutting down")
		}
	}
}

// ResultSetToStruct renders a result set as a protobuf Struct with the same
// field names as its JSON form.
func ResultSetToStruct(rs modbus.ResultSet) (*structpb.Struct, error) {
	rows := make([]interface{}, 0, len(rs.Rows))
	for _, r := range rs.Rows {
		raw := make([]interface{}, len(r.Raw))
		for i, w := range r.Raw {
			raw[i] = float64(w)
		}
		rows = append(rows, map[string]interface{}{
			"device_name":   r.DeviceName,
			"register_id":   r.RegisterID.String(),
			"address":       float64(r.Address),
			"name":          r.Name,
			"code":          r.Code,
			"format":        r.Format.String(),
			"value":         r.Value,
			"raw":           raw,
			"timestamp":     r.Timestamp.Format(modbus.TimestampLayout),
			"changed":       r.Changed,
			"function_code": float64(r.FunctionCode),
			"device_id":     r.DeviceID.String(),
		})
	}
	return structpb.NewStruct(map[string]interface{}{
		"device_id":   rs.DeviceID.String(),
		"device_name": rs.DeviceName,
		"cycle":       float64(rs.Cycle),
		"started":     rs.Started.UnixMilli(),
		"duration_ms": float64(rs.Duration.Milliseconds()),
		"rows":        rows,
	})
}

// Client consumes mbpoll.ResultService.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// StreamResults opens a result stream, optionally limited to one device,
// and calls fn for every message until the stream ends or fn fails.
func (c *Client) StreamResults(ctx context.Context, device uuid.UUID, fn func(*structpb.Struct) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], StreamResultsRPC)
	if err != nil {
		return fmt.Errorf("open result stream: %w", err)
	}

	req := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if device != uuid.Nil {
		req.Fields["device_id"] = structpb.NewStringValue(device.String())
	}
	if err := stream.SendMsg(req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("close send: %w", err)
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}
