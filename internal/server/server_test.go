package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/totoapp/delivery-core/internal/fare"
	"github.com/totoapp/delivery-core/internal/model"
	"github.com/totoapp/delivery-core/internal/repository"
	"github.com/totoapp/delivery-core/internal/service"
)

func newTestServer() *Server {
	store := repository.NewMemoryStore()
	credits := service.NewCreditService(store, nil)
	deliveries := service.NewDeliveryService(store, nil, fare.NewCalculator(1000, 500))
	noopTracking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	return New(deliveries, credits, noopTracking)
}

func doRequest(t *testing.T, srv *Server, method, path, actorID string, role model.ActorRole, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if actorID != "" {
		req.Header.Set("X-Actor-ID", actorID)
		req.Header.Set("X-Actor-Role", string(role))
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeDelivery(t *testing.T, rec *httptest.ResponseRecorder) *model.Delivery {
	t.Helper()
	var d model.Delivery
	if err := json.NewDecoder(rec.Body).Decode(&d); err != nil {
		t.Fatalf("failed to decode delivery: %v", err)
	}
	return &d
}

func createRequestBody() *model.CreateDeliveryRequest {
	return &model.CreateDeliveryRequest{
		PickupAddress:    "Avenue Kwame Nkrumah, Ouagadougou",
		PickupLatitude:   12.37,
		PickupLongitude:  -1.52,
		DropoffAddress:   "Boulevard Charles de Gaulle, Ouagadougou",
		DropoffLatitude:  12.33,
		DropoffLongitude: -1.49,
		DropoffPhone:     "+22670000000",
		ReceiverName:     "Awa Ouedraogo",
	}
}

func buyCredit(t *testing.T, srv *Server, courierID string, units int) {
	t.Helper()
	rec := doRequest(t, srv, http.MethodPost, "/credits/purchase", courierID, model.RoleCourier, &model.PurchaseCreditRequest{
		PackageType:    model.PackageCustom,
		CustomQuantity: units,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("purchase failed with %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateDeliveryEndpoint(t *testing.T) {
	srv := newTestServer()

	rec := doRequest(t, srv, http.MethodPost, "/deliveries", "requester-1", model.RoleRequester, createRequestBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	d := decodeDelivery(t, rec)
	if d.Status != model.StatusPending || d.RequesterID != "requester-1" {
		t.Fatalf("unexpected delivery: %+v", d)
	}
}

func TestAuthenticationAndRoles(t *testing.T) {
	srv := newTestServer()

	// No identity headers.
	rec := doRequest(t, srv, http.MethodPost, "/deliveries", "", "", createRequestBody())
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	// Wrong role for the endpoint.
	rec = doRequest(t, srv, http.MethodPost, "/deliveries", "courier-1", model.RoleCourier, createRequestBody())
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodPost, "/credits/purchase", "requester-1", model.RoleRequester, &model.PurchaseCreditRequest{PackageType: model.PackageBasic})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	// Unknown role.
	req := httptest.NewRequest(http.MethodGet, "/deliveries", nil)
	req.Header.Set("X-Actor-ID", "actor-1")
	req.Header.Set("X-Actor-Role", "admin")
	recorder := httptest.NewRecorder()
	srv.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown role, got %d", recorder.Code)
	}
}

func TestCreateDeliveryValidationStatus(t *testing.T) {
	srv := newTestServer()

	body := createRequestBody()
	body.ReceiverName = ""
	rec := doRequest(t, srv, http.MethodPost, "/deliveries", "requester-1", model.RoleRequester, body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAcceptStatusCodes(t *testing.T) {
	srv := newTestServer()

	rec := doRequest(t, srv, http.MethodPost, "/deliveries", "requester-1", model.RoleRequester, createRequestBody())
	d := decodeDelivery(t, rec)

	// No credit: payment required.
	rec = doRequest(t, srv, http.MethodPost, "/deliveries/"+d.ID+"/accept", "courier-1", model.RoleCourier, nil)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", rec.Code, rec.Body.String())
	}

	buyCredit(t, srv, "courier-1", 1)
	rec = doRequest(t, srv, http.MethodPost, "/deliveries/"+d.ID+"/accept", "courier-1", model.RoleCourier, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// A second courier hits a conflict.
	buyCredit(t, srv, "courier-2", 1)
	rec = doRequest(t, srv, http.MethodPost, "/deliveries/"+d.ID+"/accept", "courier-2", model.RoleCourier, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}

	// Unknown delivery.
	rec = doRequest(t, srv, http.MethodPost, "/deliveries/no-such-id/accept", "courier-2", model.RoleCourier, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer()

	rec := doRequest(t, srv, http.MethodPost, "/deliveries", "requester-1", model.RoleRequester, createRequestBody())
	d := decodeDelivery(t, rec)

	buyCredit(t, srv, "courier-1", 1)
	rec = doRequest(t, srv, http.MethodPost, "/deliveries/"+d.ID+"/accept", "courier-1", model.RoleCourier, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("accept failed with %d", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodPost, "/deliveries/"+d.ID+"/status", "courier-1", model.RoleCourier, &model.TransitionRequest{Status: model.StatusPickupInProgress})
	if rec.Code != http.StatusOK {
		t.Fatalf("transition failed with %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, srv, http.MethodPost, "/deliveries/"+d.ID+"/verify", "courier-1", model.RoleCourier, &model.VerifyProofRequest{
		Code: d.PickupToken,
		Kind: model.ProofPickup,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("pickup verification failed with %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeDelivery(t, rec); got.Status != model.StatusPickedUp {
		t.Fatalf("expected pickedUp, got %s", got.Status)
	}

	// Wrong proof code conflicts without changing state.
	rec = doRequest(t, srv, http.MethodPost, "/deliveries/"+d.ID+"/verify", "courier-1", model.RoleCourier, &model.VerifyProofRequest{
		Code: "wrong",
		Kind: model.ProofDelivery,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodPost, "/deliveries/"+d.ID+"/verify", "courier-1", model.RoleCourier, &model.VerifyProofRequest{
		Code: d.DeliveryToken,
		Kind: model.ProofDelivery,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("handoff verification failed with %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeDelivery(t, rec); got.Status != model.StatusDelivered {
		t.Fatalf("expected delivered, got %s", got.Status)
	}
}

func TestCancelOverHTTP(t *testing.T) {
	srv := newTestServer()

	rec := doRequest(t, srv, http.MethodPost, "/deliveries", "requester-1", model.RoleRequester, createRequestBody())
	d := decodeDelivery(t, rec)

	rec = doRequest(t, srv, http.MethodPost, "/deliveries/"+d.ID+"/cancel", "requester-2", model.RoleRequester, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a stranger, got %d", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodPost, "/deliveries/"+d.ID+"/cancel", "requester-1", model.RoleRequester, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel failed with %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, srv, http.MethodPost, "/deliveries/"+d.ID+"/cancel", "requester-1", model.RoleRequester, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on double cancel, got %d", rec.Code)
	}
}

func TestCreditEndpoints(t *testing.T) {
	srv := newTestServer()

	rec := doRequest(t, srv, http.MethodGet, "/credits/packages", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("packages failed with %d", rec.Code)
	}
	var packages []model.CreditPackage
	if err := json.NewDecoder(rec.Body).Decode(&packages); err != nil {
		t.Fatalf("failed to decode packages: %v", err)
	}
	if len(packages) != 4 {
		t.Fatalf("expected 4 packages, got %d", len(packages))
	}

	// No credit yet.
	rec = doRequest(t, srv, http.MethodGet, "/credits/active", "courier-1", model.RoleCourier, nil)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 without credit, got %d", rec.Code)
	}

	buyCredit(t, srv, "courier-1", 3)

	rec = doRequest(t, srv, http.MethodGet, "/credits/active", "courier-1", model.RoleCourier, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("active failed with %d", rec.Code)
	}
	var account model.CreditAccount
	if err := json.NewDecoder(rec.Body).Decode(&account); err != nil {
		t.Fatalf("failed to decode account: %v", err)
	}
	if account.RemainingUnits != 3 {
		t.Fatalf("expected 3 units, got %d", account.RemainingUnits)
	}

	rec = doRequest(t, srv, http.MethodGet, "/credits/accounts", "courier-1", model.RoleCourier, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("accounts failed with %d", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodGet, "/credits/accounts/"+account.ID+"/history", "courier-1", model.RoleCourier, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history failed with %d: %s", rec.Code, rec.Body.String())
	}

	// Another courier cannot read it.
	rec = doRequest(t, srv, http.MethodGet, "/credits/accounts/"+account.ID+"/history", "courier-2", model.RoleCourier, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestListEndpoints(t *testing.T) {
	srv := newTestServer()

	doRequest(t, srv, http.MethodPost, "/deliveries", "requester-1", model.RoleRequester, createRequestBody())

	rec := doRequest(t, srv, http.MethodGet, "/deliveries", "requester-1", model.RoleRequester, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list failed with %d", rec.Code)
	}
	var mine []*model.Delivery
	if err := json.NewDecoder(rec.Body).Decode(&mine); err != nil {
		t.Fatalf("failed to decode list: %v", err)
	}
	if len(mine) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(mine))
	}

	rec = doRequest(t, srv, http.MethodGet, "/deliveries?status=bogus", "requester-1", model.RoleRequester, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bogus filter, got %d", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodGet, "/deliveries/available", "courier-1", model.RoleCourier, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("available failed with %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer()

	rec := doRequest(t, srv, http.MethodGet, "/health", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
