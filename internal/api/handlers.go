package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/messaging"
	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/store"
)

const unresolvableDeliveryMessage = "Could not calculate distance. Please try a different location."

// orderConfirmation renders the message sent after a direct submission.
// Delivery is estimated for the following day.
func orderConfirmation(o models.Order, now time.Time) string {
	greeting := "Hi"
	if o.CustomerName != "" {
		greeting = "Hi " + o.CustomerName
	}
	return fmt.Sprintf("%s, your order #%05d has been received: %s of %s.\nEstimated delivery: %s.",
		greeting, o.ID, o.Quantity, o.Item, now.AddDate(0, 0, 1).Format("Jan 02, 2006"))
}

// submitOrderHandler handles POST /submit-order.
func (s *Server) submitOrderHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	defer r.Body.Close()

	var sub models.OrderSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		slog.Warn("Server.submitOrderHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := sub.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	phone, err := messaging.CanonicalizePhone(sub.PhoneNumber)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid phone number: "+err.Error()))
		return
	}
	sub.PhoneNumber = phone

	order := sub.ToOrder()
	if err := s.orders.SaveOrder(&order); err != nil {
		s.metrics.ObserveOrder(string(models.OrderSourceForm), false)
		slog.Error("Server.submitOrderHandler: save failed", "phone", phone, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save order"))
		return
	}
	s.metrics.ObserveOrder(string(models.OrderSourceForm), true)
	slog.Info("Server.submitOrderHandler: order saved", "id", order.ID, "reference", order.Reference)

	s.sendConfirmation(r.Context(), order)

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":   "success",
		"order_id": order.ID,
	})
}

// sendConfirmation queues the confirmation when an outbox is configured and
// sends it directly otherwise. Failures are logged only.
func (s *Server) sendConfirmation(ctx context.Context, order models.Order) {
	body := orderConfirmation(order, s.now())
	if s.outbox != nil {
		if _, err := s.outbox.EnqueueNotification(order.PhoneNumber, store.NotificationKindOrderConfirmation, body, "confirm-"+order.Reference); err != nil {
			slog.Error("Server.sendConfirmation: enqueue failed", "id", order.ID, "error", err)
		}
		return
	}
	if s.msgService == nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), messaging.DefaultSendTimeout)
	defer cancel()
	err := s.msgService.SendMessage(sendCtx, order.PhoneNumber, body)
	s.metrics.ObserveNotification(store.NotificationKindOrderConfirmation, err == nil)
	if err != nil {
		slog.Error("Server.sendConfirmation: send failed", "id", order.ID, "to", order.PhoneNumber, "error", err)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

// ordersHandler handles GET /orders?limit=&offset=.
func (s *Server) ordersHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	limit := queryInt(r, "limit", DefaultOrdersLimit)
	offset := queryInt(r, "offset", 0)
	orders, err := s.orders.ListOrders(limit, offset)
	if err != nil {
		slog.Error("Server.ordersHandler: list failed", "error", err)
		orders = nil
	}
	if orders == nil {
		orders = []models.Order{}
	}
	writeJSONResponse(w, http.StatusOK, orders)
}

// calculateDeliveryHandler handles GET /calculate-delivery?destination=&weight_kg=.
func (s *Server) calculateDeliveryHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if s.quotes == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Delivery quotes are not configured"))
		return
	}
	destination := strings.TrimSpace(r.URL.Query().Get("destination"))
	if destination == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("destination is required"))
		return
	}
	weight, err := strconv.ParseFloat(r.URL.Query().Get("weight_kg"), 64)
	if err != nil || weight <= 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("weight_kg must be a number greater than 0"))
		return
	}

	quote, err := s.quotes.Quote(r.Context(), destination, weight)
	if err != nil {
		slog.Warn("Server.calculateDeliveryHandler: quote failed", "destination", destination, "error", err)
		writeJSONResponse(w, http.StatusOK, map[string]string{"error": unresolvableDeliveryMessage})
		return
	}
	writeJSONResponse(w, http.StatusOK, quote)
}
