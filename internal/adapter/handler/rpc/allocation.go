package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	ServiceName = "allocation.v1.AllocationService"

	AddBatchMethod   = "/" + ServiceName + "/AddBatch"
	AllocateMethod   = "/" + ServiceName + "/Allocate"
	DeallocateMethod = "/" + ServiceName + "/Deallocate"
)

type AddBatchRequest struct {
	Reference string `json:"reference"`
	Sku       string `json:"sku"`
	Quantity  int32  `json:"quantity"`
	// Eta is a YYYY-MM-DD date; empty means the batch is in stock.
	Eta string `json:"eta,omitempty"`
}

type AddBatchResponse struct{}

type OrderLineRequest struct {
	OrderId  string `json:"order_id"`
	Sku      string `json:"sku"`
	Quantity int32  `json:"quantity"`
}

type AllocationResponse struct {
	BatchRef string `json:"batch_ref"`
}

func (r *AddBatchRequest) GetReference() string {
	if r == nil {
		return ""
	}
	return r.Reference
}

func (r *AddBatchRequest) GetSku() string {
	if r == nil {
		return ""
	}
	return r.Sku
}

func (r *AddBatchRequest) GetQuantity() int32 {
	if r == nil {
		return 0
	}
	return r.Quantity
}

func (r *AddBatchRequest) GetEta() string {
	if r == nil {
		return ""
	}
	return r.Eta
}

func (r *OrderLineRequest) GetOrderId() string {
	if r == nil {
		return ""
	}
	return r.OrderId
}

func (r *OrderLineRequest) GetSku() string {
	if r == nil {
		return ""
	}
	return r.Sku
}

func (r *OrderLineRequest) GetQuantity() int32 {
	if r == nil {
		return 0
	}
	return r.Quantity
}

func (r *AllocationResponse) GetBatchRef() string {
	if r == nil {
		return ""
	}
	return r.BatchRef
}

type AllocationServiceServer interface {
	AddBatch(context.Context, *AddBatchRequest) (*AddBatchResponse, error)
	Allocate(context.Context, *OrderLineRequest) (*AllocationResponse, error)
	Deallocate(context.Context, *OrderLineRequest) (*AllocationResponse, error)
}

// UnimplementedAllocationServiceServer can be embedded to have forward
// compatible implementations.
type UnimplementedAllocationServiceServer struct{}

func (UnimplementedAllocationServiceServer) AddBatch(context.Context, *AddBatchRequest) (*AddBatchResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method AddBatch not implemented")
}

func (UnimplementedAllocationServiceServer) Allocate(context.Context, *OrderLineRequest) (*AllocationResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Allocate not implemented")
}

func (UnimplementedAllocationServiceServer) Deallocate(context.Context, *OrderLineRequest) (*AllocationResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Deallocate not implemented")
}

func RegisterAllocationServiceServer(s grpc.ServiceRegistrar, srv AllocationServiceServer) {
	s.RegisterService(&AllocationServiceDesc, srv)
}

func addBatchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AddBatchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AllocationServiceServer).AddBatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: AddBatchMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AllocationServiceServer).AddBatch(ctx, req.(*AddBatchRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func allocateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(OrderLineRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AllocationServiceServer).Allocate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: AllocateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AllocationServiceServer).Allocate(ctx, req.(*OrderLineRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func deallocateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(OrderLineRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AllocationServiceServer).Deallocate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DeallocateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AllocationServiceServer).Deallocate(ctx, req.(*OrderLineRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var AllocationServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AllocationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AddBatch", Handler: addBatchHandler},
		{MethodName: "Allocate", Handler: allocateHandler},
		{MethodName: "Deallocate", Handler: deallocateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "allocation/v1/allocation.proto",
}

type AllocationServiceClient interface {
	AddBatch(ctx context.Context, in *AddBatchRequest, opts ...grpc.CallOption) (*AddBatchResponse, error)
	Allocate(ctx context.Context, in *OrderLineRequest, opts ...grpc.CallOption) (*AllocationResponse, error)
	Deallocate(ctx context.Context, in *OrderLineRequest, opts ...grpc.CallOption) (*AllocationResponse, error)
}

type allocationServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewAllocationServiceClient(cc grpc.ClientConnInterface) AllocationServiceClient {
	return &allocationServiceClient{cc: cc}
}

func (c *allocationServiceClient) AddBatch(ctx context.Context, in *AddBatchRequest, opts ...grpc.CallOption) (*AddBatchResponse, error) {
	out := new(AddBatchResponse)
	if err := c.cc.Invoke(ctx, AddBatchMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *allocationServiceClient) Allocate(ctx context.Context, in *OrderLineRequest, opts ...grpc.CallOption) (*AllocationResponse, error) {
	out := new(AllocationResponse)
	if err := c.cc.Invoke(ctx, AllocateMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *allocationServiceClient) Deallocate(ctx context.Context, in *OrderLineRequest, opts ...grpc.CallOption) (*AllocationResponse, error) {
	out := new(AllocationResponse)
	if err := c.cc.Invoke(ctx, DeallocateMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}
