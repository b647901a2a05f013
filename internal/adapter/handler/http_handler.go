package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/allocation/internal/core/domain"
	"github.com/rl1809/allocation/internal/core/service"
)

const requestIDHeader = "X-Request-ID"

// AllocationService is the use-case surface served by the transports.
type AllocationService interface {
	AddBatch(ctx context.Context, reference, sku string, qty int, eta *time.Time) error
	Allocate(ctx context.Context, orderID, sku string, qty int) (string, error)
	Deallocate(ctx context.Context, orderID, sku string, qty int) (string, error)
	Product(ctx context.Context, sku string) (service.ProductView, error)
}

type HTTPHandler struct {
	service AllocationService
	log     logrus.FieldLogger
	timeout time.Duration
}

type AddBatchHTTPRequest struct {
	Ref string `json:"ref"`
	SKU string `json:"sku"`
	Qty int    `json:"qty"`
	ETA string `json:"eta,omitempty"`
}

type OrderLineHTTPRequest struct {
	OrderID string `json:"orderid"`
	SKU     string `json:"sku"`
	Qty     int    `json:"qty"`
}

type AllocateHTTPResponse struct {
	BatchRef string `json:"batchref"`
}

type ErrorHTTPResponse struct {
	Message string `json:"message"`
}

func NewHTTPHandler(service AllocationService, log logrus.FieldLogger, timeout time.Duration) *HTTPHandler {
	return &HTTPHandler{service: service, log: log, timeout: timeout}
}

func (h *HTTPHandler) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)

	s := r.PathPrefix("/api/v1").Subrouter()
	s.HandleFunc("/batches", h.AddBatch).Methods(http.MethodPost)
	s.HandleFunc("/allocate", h.Allocate).Methods(http.MethodPost)
	s.HandleFunc("/deallocate", h.Deallocate).Methods(http.MethodPost)
	s.HandleFunc("/products/{sku}", h.GetProduct).Methods(http.MethodGet)

	r.Use(h.requestID, h.logMiddleware)
	return r
}

func (h *HTTPHandler) AddBatch(w http.ResponseWriter, r *http.Request) {
	var req AddBatchHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Message: "invalid request body"})
		return
	}
	eta, err := parseETA(req.ETA)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Message: "invalid eta"})
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()
	if err := h.service.AddBatch(ctx, req.Ref, req.SKU, req.Qty, eta); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *HTTPHandler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req OrderLineHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Message: "invalid request body"})
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()
	ref, err := h.service.Allocate(ctx, req.OrderID, req.SKU, req.Qty)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, AllocateHTTPResponse{BatchRef: ref})
}

func (h *HTTPHandler) Deallocate(w http.ResponseWriter, r *http.Request) {
	var req OrderLineHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Message: "invalid request body"})
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()
	ref, err := h.service.Deallocate(ctx, req.OrderID, req.SKU, req.Qty)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AllocateHTTPResponse{BatchRef: ref})
}

func (h *HTTPHandler) GetProduct(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	view, err := h.service.Product(ctx, mux.Vars(r)["sku"])
	if errors.Is(err, service.ErrInvalidSku) {
		writeJSON(w, http.StatusNotFound, ErrorHTTPResponse{Message: err.Error()})
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) context(r *http.Request) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.timeout)
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.log.WithError(err).WithField("request_id", r.Header.Get(requestIDHeader)).Error("request failed")
		message = "internal error"
	}
	writeJSON(w, status, ErrorHTTPResponse{Message: message})
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrInvalidSku),
		errors.Is(err, domain.ErrOutOfStock),
		errors.Is(err, domain.ErrDuplicateOrderLine),
		errors.Is(err, domain.ErrBatchSKUMismatch):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrConcurrentAccess):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// parseETA accepts a calendar date or an RFC 3339 timestamp; empty means no ETA.
func parseETA(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, value); err != nil {
			return nil, err
		}
	}
	return domain.Date(&t), nil
}

func (h *HTTPHandler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (h *HTTPHandler) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.log.WithFields(logrus.Fields{
			"request_id": r.Header.Get(requestIDHeader),
			"method":     r.Method,
			"url":        r.URL.Path,
			"remoteAddr": r.RemoteAddr,
			"duration":   time.Since(start),
		}).Info("handled request")
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
