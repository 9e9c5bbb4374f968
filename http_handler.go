package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/solswap/execution-engine/metrics"
)

// visibilityRetries is the backoff schedule for re-reading a freshly
// created row before answering the create request.
var visibilityRetries = []time.Duration{
	200 * time.Millisecond,
	500 * time.Millisecond,
	1000 * time.Millisecond,
}

type handler struct {
	store        OrderStore
	backend      ExecutionBackend
	pushRegistry *PushRegistry
	logger       *slog.Logger
	metrics      *metrics.EngineMetrics
}

func NewHandler(store OrderStore, backend ExecutionBackend, pushRegistry *PushRegistry, logger *slog.Logger, m *metrics.EngineMetrics) *handler {
	return &handler{
		store:        store,
		backend:      backend,
		pushRegistry: pushRegistry,
		logger:       logger,
		metrics:      m,
	}
}

func (h *handler) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/orders/execute", h.handleExecuteOrder)
	mux.HandleFunc("GET /api/orders", h.handleListOrders)
	mux.HandleFunc("GET /api/orders/{orderID}", h.handleGetOrder)
	mux.HandleFunc("GET /api/orders/{orderID}/stream", h.handleOrderStream)
	mux.HandleFunc("GET /health", h.handleHealth)
}

// handleExecuteOrder accepts a market swap order: validate, persist the
// pending row, open the per-order resources, enqueue the execution job and
// answer with the order id while the lifecycle runs off-thread.
func (h *handler) handleExecuteOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("failed to decode request body", slog.Any("error", err))
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "Validation error",
			"details": []string{"request body must be valid JSON"},
		})
		return
	}

	if details := validateCreateOrder(&req); len(details) > 0 {
		h.logger.Warn("validation error",
			slog.Any("details", details),
		)
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "Validation error",
			"details": details,
		})
		return
	}

	order := &Order{
		OrderID:           uuid.NewString(),
		TokenIn:           req.TokenIn,
		TokenOut:          req.TokenOut,
		AmountIn:          req.AmountIn,
		SlippageTolerance: req.SlippageTolerance,
		MinAmountOut:      req.MinAmountOut,
		Status:            StatusPending,
	}

	h.logger.Info("order received",
		slog.String("order_id", order.OrderID),
		slog.String("token_in", order.TokenIn),
		slog.String("token_out", order.TokenOut),
		slog.String("amount_in", order.AmountIn),
	)

	if err := h.store.Create(r.Context(), order); err != nil {
		h.logger.Error("failed to create order",
			slog.String("order_id", order.OrderID),
			slog.Any("error", err),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "Internal error",
			"message": "Failed to create order",
		})
		return
	}

	if err := h.backend.Open(r.Context(), order.OrderID); err != nil {
		h.logger.Error("failed to open order resources",
			slog.String("order_id", order.OrderID),
			slog.Any("error", err),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "Internal error",
			"message": "Failed to allocate order resources",
		})
		return
	}

	if err := h.backend.EnqueueExecution(r.Context(), order.OrderID); err != nil {
		h.logger.Error("failed to enqueue execution",
			slog.String("order_id", order.OrderID),
			slog.Any("error", err),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "Internal error",
			"message": "Failed to enqueue order execution",
		})
		return
	}

	h.metrics.OrdersCreated.Inc()

	response := map[string]any{
		"success": true,
		"orderId": order.OrderID,
		"status":  string(StatusPending),
		"message": "Order accepted for execution",
	}

	if persisted := h.awaitVisibility(r, order.OrderID); persisted != nil {
		response["order"] = persisted
	} else {
		response["message"] = "Order accepted for execution; fetch /api/orders/" + order.OrderID + " for details"
	}

	writeJSON(w, http.StatusCreated, response)
}

// awaitVisibility re-reads the created row with brief backoff so the
// response can include it; a nil return tells the client to re-fetch. The
// read after the last wait is the final attempt.
func (h *handler) awaitVisibility(r *http.Request, orderID string) *Order {
	for attempt := 0; ; attempt++ {
		order, err := h.store.Get(r.Context(), orderID)
		if err == nil {
			return order
		}
		if !errors.Is(err, ErrOrderNotFound) {
			h.logger.Warn("order re-read failed",
				slog.String("order_id", orderID),
				slog.Any("error", err),
			)
			return nil
		}
		if attempt >= len(visibilityRetries) {
			return nil
		}
		select {
		case <-time.After(visibilityRetries[attempt]):
		case <-r.Context().Done():
			return nil
		}
	}
}

// handleListOrders serves GET /api/orders?limit=&offset=, newest first.
func (h *handler) handleListOrders(w http.ResponseWriter, r *http.Request) {
	limit := parseQueryInt(r, "limit", 100)
	offset := parseQueryInt(r, "offset", 0)

	orders, err := h.store.List(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("failed to list orders", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "Internal error",
			"message": "Failed to list orders",
		})
		return
	}

	if orders == nil {
		orders = []*Order{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"orders":  orders,
		"count":   len(orders),
	})
}

func (h *handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("orderID")

	order, err := h.store.Get(r.Context(), orderID)
	if errors.Is(err, ErrOrderNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"error":   "Order not found",
		})
		return
	}
	if err != nil {
		h.logger.Error("failed to get order",
			slog.String("order_id", orderID),
			slog.Any("error", err),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "Internal error",
			"message": "Failed to get order",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"order":   order,
	})
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func parseQueryInt(r *http.Request, key string, defaultValue int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return defaultValue
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
