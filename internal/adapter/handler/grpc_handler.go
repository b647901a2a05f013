package handler

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/allocation/internal/adapter/handler/rpc"
	"github.com/rl1809/allocation/internal/core/domain"
	"github.com/rl1809/allocation/internal/core/service"
)

type GRPCHandler struct {
	rpc.UnimplementedAllocationServiceServer
	service AllocationService
	log     logrus.FieldLogger
}

func NewGRPCHandler(service AllocationService, log logrus.FieldLogger) *GRPCHandler {
	return &GRPCHandler{service: service, log: log}
}

func (h *GRPCHandler) AddBatch(ctx context.Context, req *rpc.AddBatchRequest) (*rpc.AddBatchResponse, error) {
	eta, err := parseETA(req.GetEta())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid eta")
	}
	if err := h.service.AddBatch(ctx, req.GetReference(), req.GetSku(), int(req.GetQuantity()), eta); err != nil {
		return nil, h.statusError(err)
	}
	return &rpc.AddBatchResponse{}, nil
}

func (h *GRPCHandler) Allocate(ctx context.Context, req *rpc.OrderLineRequest) (*rpc.AllocationResponse, error) {
	ref, err := h.service.Allocate(ctx, req.GetOrderId(), req.GetSku(), int(req.GetQuantity()))
	if err != nil {
		return nil, h.statusError(err)
	}
	return &rpc.AllocationResponse{BatchRef: ref}, nil
}

func (h *GRPCHandler) Deallocate(ctx context.Context, req *rpc.OrderLineRequest) (*rpc.AllocationResponse, error) {
	ref, err := h.service.Deallocate(ctx, req.GetOrderId(), req.GetSku(), int(req.GetQuantity()))
	if err != nil {
		return nil, h.statusError(err)
	}
	return &rpc.AllocationResponse{BatchRef: ref}, nil
}

func (h *GRPCHandler) statusError(err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, service.ErrInvalidSku):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrOutOfStock),
		errors.Is(err, domain.ErrDuplicateOrderLine),
		errors.Is(err, domain.ErrBatchSKUMismatch):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrConcurrentAccess):
		return status.Error(codes.Aborted, err.Error())
	default:
		h.log.WithError(err).Error("rpc failed")
		return status.Error(codes.Internal, "internal error")
	}
}
