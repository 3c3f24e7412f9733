package server

import (
	"net/http"

	"github.com/totoapp/delivery-core/internal/model"
)

func (s *Server) handleCreateDelivery(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := requireRole(w, r, model.RoleRequester)
	if !ok {
		return
	}

	var req model.CreateDeliveryRequest
	if !decodeBody(w, r, &req) {
		return
	}

	delivery, err := s.deliveries.Create(r.Context(), requesterID, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, delivery)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	actorID, role, ok := actor(w, r)
	if !ok {
		return
	}

	status := model.DeliveryStatus(r.URL.Query().Get("status"))
	if status != "" && !model.ValidStatus(status) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status filter"})
		return
	}

	deliveries, err := s.deliveries.ListForActor(r.Context(), actorID, role, status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deliveries)
}

func (s *Server) handleListAvailable(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, model.RoleCourier); !ok {
		return
	}

	deliveries, err := s.deliveries.ListAvailable(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deliveries)
}

func (s *Server) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	actorID, role, ok := actor(w, r)
	if !ok {
		return
	}

	delivery, err := s.deliveries.Get(r.Context(), r.PathValue("id"), actorID, role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, delivery)
}

func (s *Server) handleAcceptDelivery(w http.ResponseWriter, r *http.Request) {
	courierID, ok := requireRole(w, r, model.RoleCourier)
	if !ok {
		return
	}

	delivery, err := s.deliveries.Accept(r.Context(), r.PathValue("id"), courierID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, delivery)
}

func (s *Server) handleCancelDelivery(w http.ResponseWriter, r *http.Request) {
	actorID, role, ok := actor(w, r)
	if !ok {
		return
	}

	delivery, err := s.deliveries.Cancel(r.Context(), r.PathValue("id"), actorID, role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, delivery)
}

func (s *Server) handleTransitionDelivery(w http.ResponseWriter, r *http.Request) {
	actorID, role, ok := actor(w, r)
	if !ok {
		return
	}

	var req model.TransitionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !model.ValidStatus(req.Status) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status"})
		return
	}

	delivery, err := s.deliveries.RequestTransition(r.Context(), r.PathValue("id"), req.Status, actorID, role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, delivery)
}

func (s *Server) handleVerifyProof(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := actor(w, r); !ok {
		return
	}

	var req model.VerifyProofRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Kind != model.ProofPickup && req.Kind != model.ProofDelivery {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "kind must be pickup or delivery"})
		return
	}
	if req.Code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "code is required"})
		return
	}

	delivery, err := s.deliveries.VerifyProofCode(r.Context(), r.PathValue("id"), req.Code, req.Kind)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, delivery)
}

func (s *Server) handleCreditPackages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.credits.Packages())
}

func (s *Server) handlePurchaseCredit(w http.ResponseWriter, r *http.Request) {
	courierID, ok := requireRole(w, r, model.RoleCourier)
	if !ok {
		return
	}

	var req model.PurchaseCreditRequest
	if !decodeBody(w, r, &req) {
		return
	}

	account, err := s.credits.Purchase(r.Context(), courierID, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (s *Server) handleActiveCredit(w http.ResponseWriter, r *http.Request) {
	courierID, ok := requireRole(w, r, model.RoleCourier)
	if !ok {
		return
	}

	account, err := s.credits.GetActive(r.Context(), courierID)
	if err != nil {
		writeError(w, err)
		return
	}
	if account == nil {
		writeError(w, model.ErrNoActiveCredit)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (s *Server) handleCreditAccounts(w http.ResponseWriter, r *http.Request) {
	courierID, ok := requireRole(w, r, model.RoleCourier)
	if !ok {
		return
	}

	accounts, err := s.credits.Accounts(r.Context(), courierID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (s *Server) handleCreditHistory(w http.ResponseWriter, r *http.Request) {
	courierID, ok := requireRole(w, r, model.RoleCourier)
	if !ok {
		return
	}

	account, transactions, err := s.credits.History(r.Context(), courierID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account":      account,
		"transactions": transactions,
	})
}
