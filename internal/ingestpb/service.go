package ingestpb

import (
	"context"

	"google.golang.org/grpc"
)

// FleetIngestServer is the server API for the FleetIngest service.
type FleetIngestServer interface {
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
	Metrics(context.Context, *MetricsRequest) (*MetricsResponse, error)
	NodeData(context.Context, *NodeDataRequest) (*NodeDataResponse, error)
	MachineData(context.Context, *MachineDataRequest) (*MachineDataResponse, error)
	Logs(context.Context, *LogsRequest) (*LogsResponse, error)
	ClientLogs(context.Context, *ClientLogsRequest) (*ClientLogsResponse, error)
	NodeTypeQueries(context.Context, *NodeTypeQueriesRequest) (*NodeTypeQueriesResponse, error)
	NameChange(context.Context, *NameChangeRequest) (*NameChangeResponse, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
	CustomAlert(context.Context, *CustomAlertRequest) (*CustomAlertResponse, error)
}

// UnimplementedFleetIngestServer embeds in a concrete server so that
// forward-compatible RPC additions do not break compilation, matching the
// pattern protoc-gen-go-grpc emits.
type UnimplementedFleetIngestServer struct{}

func (UnimplementedFleetIngestServer) Register(context.Context, *RegisterRequest) (*RegisterResponse, error) {
	return nil, errUnimplemented("Register")
}
func (UnimplementedFleetIngestServer) Metrics(context.Context, *MetricsRequest) (*MetricsResponse, error) {
	return nil, errUnimplemented("Metrics")
}
func (UnimplementedFleetIngestServer) NodeData(context.Context, *NodeDataRequest) (*NodeDataResponse, error) {
	return nil, errUnimplemented("NodeData")
}
func (UnimplementedFleetIngestServer) MachineData(context.Context, *MachineDataRequest) (*MachineDataResponse, error) {
	return nil, errUnimplemented("MachineData")
}
func (UnimplementedFleetIngestServer) Logs(context.Context, *LogsRequest) (*LogsResponse, error) {
	return nil, errUnimplemented("Logs")
}
func (UnimplementedFleetIngestServer) ClientLogs(context.Context, *ClientLogsRequest) (*ClientLogsResponse, error) {
	return nil, errUnimplemented("ClientLogs")
}
func (UnimplementedFleetIngestServer) NodeTypeQueries(context.Context, *NodeTypeQueriesRequest) (*NodeTypeQueriesResponse, error) {
	return nil, errUnimplemented("NodeTypeQueries")
}
func (UnimplementedFleetIngestServer) NameChange(context.Context, *NameChangeRequest) (*NameChangeResponse, error) {
	return nil, errUnimplemented("NameChange")
}
func (UnimplementedFleetIngestServer) Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error) {
	return nil, errUnimplemented("Heartbeat")
}
func (UnimplementedFleetIngestServer) CustomAlert(context.Context, *CustomAlertRequest) (*CustomAlertResponse, error) {
	return nil, errUnimplemented("CustomAlert")
}

// RegisterFleetIngestServer registers srv with s.
func RegisterFleetIngestServer(s grpc.ServiceRegistrar, srv FleetIngestServer) {
	s.RegisterService(&fleetIngestServiceDesc, srv)
}

var fleetIngestServiceDesc = grpc.ServiceDesc{
	ServiceName: "fleet.FleetIngest",
	HandlerType: (*FleetIngestServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Register", func(s any, ctx context.Context, req any) (any, error) {
			return s.(FleetIngestServer).Register(ctx, req.(*RegisterRequest))
		}),
		unaryMethod("Metrics", func(s any, ctx context.Context, req any) (any, error) {
			return s.(FleetIngestServer).Metrics(ctx, req.(*MetricsRequest))
		}),
		unaryMethod("NodeData", func(s any, ctx context.Context, req any) (any, error) {
			return s.(FleetIngestServer).NodeData(ctx, req.(*NodeDataRequest))
		}),
		unaryMethod("MachineData", func(s any, ctx context.Context, req any) (any, error) {
			return s.(FleetIngestServer).MachineData(ctx, req.(*MachineDataRequest))
		}),
		unaryMethod("Logs", func(s any, ctx context.Context, req any) (any, error) {
			return s.(FleetIngestServer).Logs(ctx, req.(*LogsRequest))
		}),
		unaryMethod("ClientLogs", func(s any, ctx context.Context, req any) (any, error) {
			return s.(FleetIngestServer).ClientLogs(ctx, req.(*ClientLogsRequest))
		}),
		unaryMethod("NodeTypeQueries", func(s any, ctx context.Context, req any) (any, error) {
			return s.(FleetIngestServer).NodeTypeQueries(ctx, req.(*NodeTypeQueriesRequest))
		}),
		unaryMethod("NameChange", func(s any, ctx context.Context, req any) (any, error) {
			return s.(FleetIngestServer).NameChange(ctx, req.(*NameChangeRequest))
		}),
		unaryMethod("Heartbeat", func(s any, ctx context.Context, req any) (any, error) {
			return s.(FleetIngestServer).Heartbeat(ctx, req.(*HeartbeatRequest))
		}),
		unaryMethod("CustomAlert", func(s any, ctx context.Context, req any) (any, error) {
			return s.(FleetIngestServer).CustomAlert(ctx, req.(*CustomAlertRequest))
		}),
	},
	Metadata: "fleet.proto",
}

// FleetIngestClient is the client API for the FleetIngest service.
type FleetIngestClient interface {
	Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error)
	Metrics(ctx context.Context, in *MetricsRequest, opts ...grpc.CallOption) (*MetricsResponse, error)
	NodeData(ctx context.Context, in *NodeDataRequest, opts ...grpc.CallOption) (*NodeDataResponse, error)
	MachineData(ctx context.Context, in *MachineDataRequest, opts ...grpc.CallOption) (*MachineDataResponse, error)
	Logs(ctx context.Context, in *LogsRequest, opts ...grpc.CallOption) (*LogsResponse, error)
	ClientLogs(ctx context.Context, in *ClientLogsRequest, opts ...grpc.CallOption) (*ClientLogsResponse, error)
	NodeTypeQueries(ctx context.Context, in *NodeTypeQueriesRequest, opts ...grpc.CallOption) (*NodeTypeQueriesResponse, error)
	NameChange(ctx context.Context, in *NameChangeRequest, opts ...grpc.CallOption) (*NameChangeResponse, error)
	Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error)
	CustomAlert(ctx context.Context, in *CustomAlertRequest, opts ...grpc.CallOption) (*CustomAlertResponse, error)
}

type fleetIngestClient struct {
	cc grpc.ClientConnInterface
}

// NewFleetIngestClient creates a client stub over cc. Callers should dial cc
// with grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")) so RPCs
// use this package's codec.
func NewFleetIngestClient(cc grpc.ClientConnInterface) FleetIngestClient {
	return &fleetIngestClient{cc: cc}
}

func (c *fleetIngestClient) Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	out := new(RegisterResponse)
	if err := c.cc.Invoke(ctx, "/fleet.FleetIngest/Register", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *fleetIngestClient) Metrics(ctx context.Context, in *MetricsRequest, opts ...grpc.CallOption) (*MetricsResponse, error) {
	out := new(MetricsResponse)
	if err := c.cc.Invoke(ctx, "/fleet.FleetIngest/Metrics", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *fleetIngestClient) NodeData(ctx context.Context, in *NodeDataRequest, opts ...grpc.CallOption) (*NodeDataResponse, error) {
	out := new(NodeDataResponse)
	if err := c.cc.Invoke(ctx, "/fleet.FleetIngest/NodeData", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *fleetIngestClient) MachineData(ctx context.Context, in *MachineDataRequest, opts ...grpc.CallOption) (*MachineDataResponse, error) {
	out := new(MachineDataResponse)
	if err := c.cc.Invoke(ctx, "/fleet.FleetIngest/MachineData", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *fleetIngestClient) Logs(ctx context.Context, in *LogsRequest, opts ...grpc.CallOption) (*LogsResponse, error) {
	out := new(LogsResponse)
	if err := c.cc.Invoke(ctx, "/fleet.FleetIngest/Logs", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *fleetIngestClient) ClientLogs(ctx context.Context, in *ClientLogsRequest, opts ...grpc.CallOption) (*ClientLogsResponse, error) {
	out := new(ClientLogsResponse)
	if err := c.cc.Invoke(ctx, "/fleet.FleetIngest/ClientLogs", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *fleetIngestClient) NodeTypeQueries(ctx context.Context, in *NodeTypeQueriesRequest, opts ...grpc.CallOption) (*NodeTypeQueriesResponse, error) {
	out := new(NodeTypeQueriesResponse)
	if err := c.cc.Invoke(ctx, "/fleet.FleetIngest/NodeTypeQueries", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *fleetIngestClient) NameChange(ctx context.Context, in *NameChangeRequest, opts ...grpc.CallOption) (*NameChangeResponse, error) {
	out := new(NameChangeResponse)
	if err := c.cc.Invoke(ctx, "/fleet.FleetIngest/NameChange", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *fleetIngestClient) Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error) {
	out := new(HeartbeatResponse)
	if err := c.cc.Invoke(ctx, "/fleet.FleetIngest/Heartbeat", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *fleetIngestClient) CustomAlert(ctx context.Context, in *CustomAlertRequest, opts ...grpc.CallOption) (*CustomAlertResponse, error) {
	out := new(CustomAlertResponse)
	if err := c.cc.Invoke(ctx, "/fleet.FleetIngest/CustomAlert", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// --- ChainScanner ---

// ChainScannerServer is the server API for the ChainScanner service.
type ChainScannerServer interface {
	GetLatestBlock(context.Context, *GetLatestBlockRequest) (*GetLatestBlockResponse, error)
	ReportRegistrationEvent(context.Context, *ReportRegistrationEventRequest) (*ReportRegistrationEventResponse, error)
	ReportMetadataUriEvent(context.Context, *ReportMetadataUriEventRequest) (*ReportMetadataUriEventResponse, error)
}

// UnimplementedChainScannerServer embeds in a concrete server for
// forward-compatible RPC additions.
type UnimplementedChainScannerServer struct{}

func (UnimplementedChainScannerServer) GetLatestBlock(context.Context, *GetLatestBlockRequest) (*GetLatestBlockResponse, error) {
	return nil, errUnimplemented("GetLatestBlock")
}
func (UnimplementedChainScannerServer) ReportRegistrationEvent(context.Context, *ReportRegistrationEventRequest) (*ReportRegistrationEventResponse, error) {
	return nil, errUnimplemented("ReportRegistrationEvent")
}
func (UnimplementedChainScannerServer) ReportMetadataUriEvent(context.Context, *ReportMetadataUriEventRequest) (*ReportMetadataUriEventResponse, error) {
	return nil, errUnimplemented("ReportMetadataUriEvent")
}

// RegisterChainScannerServer registers srv with s.
func RegisterChainScannerServer(s grpc.ServiceRegistrar, srv ChainScannerServer) {
	s.RegisterService(&chainScannerServiceDesc, srv)
}

var chainScannerServiceDesc = grpc.ServiceDesc{
	ServiceName: "fleet.ChainScanner",
	HandlerType: (*ChainScannerServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("GetLatestBlock", func(s any, ctx context.Context, req any) (any, error) {
			return s.(ChainScannerServer).GetLatestBlock(ctx, req.(*GetLatestBlockRequest))
		}),
		unaryMethod("ReportRegistrationEvent", func(s any, ctx context.Context, req any) (any, error) {
			return s.(ChainScannerServer).ReportRegistrationEvent(ctx, req.(*ReportRegistrationEventRequest))
		}),
		unaryMethod("ReportMetadataUriEvent", func(s any, ctx context.Context, req any) (any, error) {
			return s.(ChainScannerServer).ReportMetadataUriEvent(ctx, req.(*ReportMetadataUriEventRequest))
		}),
	},
	Metadata: "fleet.proto",
}

type ChainScannerClient interface {
	GetLatestBlock(ctx context.Context, in *GetLatestBlockRequest, opts ...grpc.CallOption) (*GetLatestBlockResponse, error)
	ReportRegistrationEvent(ctx context.Context, in *ReportRegistrationEventRequest, opts ...grpc.CallOption) (*ReportRegistrationEventResponse, error)
	ReportMetadataUriEvent(ctx context.Context, in *ReportMetadataUriEventRequest, opts ...grpc.CallOption) (*ReportMetadataUriEventResponse, error)
}

type chainScannerClient struct {
	cc grpc.ClientConnInterface
}

func NewChainScannerClient(cc grpc.ClientConnInterface) ChainScannerClient {
	return &chainScannerClient{cc: cc}
}

func (c *chainScannerClient) GetLatestBlock(ctx context.Context, in *GetLatestBlockRequest, opts ...grpc.CallOption) (*GetLatestBlockResponse, error) {
	out := new(GetLatestBlockResponse)
	if err := c.cc.Invoke(ctx, "/fleet.ChainScanner/GetLatestBlock", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *chainScannerClient) ReportRegistrationEvent(ctx context.Context, in *ReportRegistrationEventRequest, opts ...grpc.CallOption) (*ReportRegistrationEventResponse, error) {
	out := new(ReportRegistrationEventResponse)
	if err := c.cc.Invoke(ctx, "/fleet.ChainScanner/ReportRegistrationEvent", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *chainScannerClient) ReportMetadataUriEvent(ctx context.Context, in *ReportMetadataUriEventRequest, opts ...grpc.CallOption) (*ReportMetadataUriEventResponse, error) {
	out := new(ReportMetadataUriEventResponse)
	if err := c.cc.Invoke(ctx, "/fleet.ChainScanner/ReportMetadataUriEvent", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// --- shared plumbing ---

type unaryHandlerFunc func(srv any, ctx context.Context, req any) (any, error)

// unaryMethod builds a grpc.MethodDesc for a unary RPC named name whose
// business logic is call. It mirrors the decoder/interceptor plumbing
// protoc-gen-go-grpc emits for every unary method.
func unaryMethod(name string, call unaryHandlerFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req, err := decodeRequest(name, dec)
			if err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/fleet/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv, ctx, req)
			}
			return interceptor(ctx, req, info, handler)
		},
	}
}

var requestPrototypes = map[string]func() any{
	"Register":                func() any { return new(RegisterRequest) },
	"Metrics":                 func() any { return new(MetricsRequest) },
	"NodeData":                func() any { return new(NodeDataRequest) },
	"MachineData":             func() any { return new(MachineDataRequest) },
	"Logs":                    func() any { return new(LogsRequest) },
	"ClientLogs":              func() any { return new(ClientLogsRequest) },
	"NodeTypeQueries":         func() any { return new(NodeTypeQueriesRequest) },
	"NameChange":              func() any { return new(NameChangeRequest) },
	"Heartbeat":               func() any { return new(HeartbeatRequest) },
	"CustomAlert":             func() any { return new(CustomAlertRequest) },
	"GetLatestBlock":          func() any { return new(GetLatestBlockRequest) },
	"ReportRegistrationEvent": func() any { return new(ReportRegistrationEventRequest) },
	"ReportMetadataUriEvent":  func() any { return new(ReportMetadataUriEventRequest) },
}

func decodeRequest(method string, dec func(any) error) (any, error) {
	newReq, ok := requestPrototypes[method]
	if !ok {
		return nil, errUnimplemented(method)
	}
	req := newReq()
	if err := dec(req); err != nil {
		return nil, err
	}
	return req, nil
}

func errUnimplemented(method string) error {
	return &unimplementedError{method: method}
}

type unimplementedError struct{ method string }

func (e *unimplementedError) Error() string { return "ingestpb: method not implemented: " + e.method }
