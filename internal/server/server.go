package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/totoapp/delivery-core/internal/metrics"
	"github.com/totoapp/delivery-core/internal/service"
)

// Server is the HTTP surface over the delivery lifecycle, the credit ledger
// and the tracking relay. Authentication happens upstream; the server reads
// the actor identity from trusted headers.
type Server struct {
	mux        *http.ServeMux
	deliveries *service.DeliveryService
	credits    *service.CreditService
}

func New(deliveries *service.DeliveryService, credits *service.CreditService, tracking http.Handler) *Server {
	s := &Server{
		mux:        http.NewServeMux(),
		deliveries: deliveries,
		credits:    credits,
	}

	s.handle("POST /deliveries", "create_delivery", s.handleCreateDelivery)
	s.handle("GET /deliveries", "list_deliveries", s.handleListDeliveries)
	s.handle("GET /deliveries/available", "list_available", s.handleListAvailable)
	s.handle("GET /deliveries/{id}", "get_delivery", s.handleGetDelivery)
	s.handle("POST /deliveries/{id}/accept", "accept_delivery", s.handleAcceptDelivery)
	s.handle("POST /deliveries/{id}/cancel", "cancel_delivery", s.handleCancelDelivery)
	s.handle("POST /deliveries/{id}/status", "transition_delivery", s.handleTransitionDelivery)
	s.handle("POST /deliveries/{id}/verify", "verify_proof", s.handleVerifyProof)

	s.handle("GET /credits/packages", "credit_packages", s.handleCreditPackages)
	s.handle("POST /credits/purchase", "purchase_credit", s.handlePurchaseCredit)
	s.handle("GET /credits/active", "active_credit", s.handleActiveCredit)
	s.handle("GET /credits/accounts", "credit_accounts", s.handleCreditAccounts)
	s.handle("GET /credits/accounts/{id}/history", "credit_history", s.handleCreditHistory)

	s.mux.Handle("GET /tracking/ws", tracking)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handle(pattern, name string, h http.HandlerFunc) {
	s.mux.Handle(pattern, instrumentHandler(name, h))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// responseWriter captures the status code for instrumentation.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func instrumentHandler(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		metrics.HTTPRequestsTotal.WithLabelValues(name, r.Method, strconv.Itoa(rw.statusCode)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(name, r.Method).Observe(duration)
	})
}
