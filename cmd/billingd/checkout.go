package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/lifecycle"
)

const familyHeader = "X-Family-ID"

var validate = validator.New()

type checkoutRequest struct {
	Plan       billing.Plan `json:"plan" validate:"required,oneof=monthly annual"`
	SuccessURL string       `json:"success_url" validate:"required,url"`
	CancelURL  string       `json:"cancel_url" validate:"omitempty,url"`
}

type checkoutResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type portalRequest struct {
	ReturnURL string `json:"return_url" validate:"required,url"`
}

type portalResponse struct {
	URL string `json:"url"`
}

type checkoutResultResponse struct {
	Confirmed      bool   `json:"confirmed"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// checkoutRoutes mounts checkout and customer portal endpoints. They are not
// behind the billing gate: a blocked family has to reach them to pay.
func (a *app) checkoutRoutes(r chi.Router) {
	r.Post("/{provider}/checkout", a.handleCheckout)
	r.Post("/{provider}/portal", a.handlePortal)
	r.Get("/polar/checkouts/{id}", a.handlePolarCheckoutResult)
}

func (a *app) checkoutProvider(name string) (billing.CheckoutProvider, bool) {
	switch {
	case name == "stripe" && a.stripe != nil:
		return a.stripe, true
	case name == "polar" && a.polar != nil:
		return a.polar, true
	}
	return nil, false
}

func (a *app) handleCheckout(w http.ResponseWriter, r *http.Request) {
	provider, family, ok := a.checkoutFamily(w, r)
	if !ok {
		return
	}

	var req checkoutRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.CancelURL == "" {
		req.CancelURL = req.SuccessURL
	}

	session, err := provider.CreateCheckout(r.Context(), billing.CheckoutRequest{
		Plan:       req.Plan,
		FamilyID:   family.ID,
		Email:      family.BillingEmail,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		a.writeProviderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, checkoutResponse{ID: session.ID, URL: session.URL})
}

func (a *app) handlePortal(w http.ResponseWriter, r *http.Request) {
	provider, family, ok := a.checkoutFamily(w, r)
	if !ok {
		return
	}

	var req portalRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	url, err := provider.CustomerPortalURL(r.Context(), family.ExternalCustomerID, req.ReturnURL)
	if err != nil {
		a.writeProviderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, portalResponse{URL: url})
}

func (a *app) handlePolarCheckoutResult(w http.ResponseWriter, r *http.Request) {
	if a.polar == nil {
		writeError(w, http.StatusNotFound, "polar is not configured")
		return
	}
	result, err := a.polar.CheckoutResult(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeProviderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, checkoutResultResponse{
		Confirmed:      result.Confirmed,
		SubscriptionID: result.SubscriptionID,
	})
}

// checkoutFamily resolves the provider named in the path and the calling family.
func (a *app) checkoutFamily(w http.ResponseWriter, r *http.Request) (billing.CheckoutProvider, *lifecycle.Family, bool) {
	provider, ok := a.checkoutProvider(chi.URLParam(r, "provider"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown billing provider")
		return nil, nil, false
	}

	familyID := r.Header.Get(familyHeader)
	if familyID == "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return nil, nil, false
	}
	family, err := a.manager.GetFamily(r.Context(), familyID)
	if err != nil {
		if errors.Is(err, lifecycle.ErrFamilyNotFound) {
			writeError(w, http.StatusNotFound, "family not found")
			return nil, nil, false
		}
		a.log.Error().Err(err).Str("family_id", familyID).Msg("Failed to load family")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return nil, nil, false
	}
	return provider, family, true
}

func (a *app) writeProviderError(w http.ResponseWriter, r *http.Request, err error) {
	var reqErr *billing.ProviderRequestError
	switch {
	case errors.Is(err, billing.ErrProviderNotConfigured):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, billing.ErrPlanNotConfigured):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, billing.ErrCustomerNotLinked):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &reqErr):
		a.log.Warn().Err(err).Str("provider", reqErr.Provider).Str("op", reqErr.Op).
			Str("path", r.URL.Path).Msg("Billing provider request failed")
		writeError(w, http.StatusBadGateway, "billing provider request failed")
	default:
		a.log.Error().Err(err).Str("path", r.URL.Path).Msg("Checkout request failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeRequest(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
