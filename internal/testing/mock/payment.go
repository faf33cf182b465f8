package mock

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentRequestRecord is a payment request held by the mock server.
type PaymentRequestRecord struct {
	ID           string          `json:"id"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Network      string          `json:"network"`
	Destination  string          `json:"destination"`
	Source       string          `json:"source,omitempty"`
	ResourceName string          `json:"resourceName"`

	// Paid is set once a bearer token has been PUT against the request.
	Paid bool `json:"-"`
	// PaymentToken is the bearer token presented by the payer.
	PaymentToken string `json:"-"`
}

// ChargeRecord is one call to POST /charge.
type ChargeRecord struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Network     string          `json:"network"`
	Destination string          `json:"destination"`
	Source      string          `json:"source"`
	Succeeded   bool            `json:"-"`
}

// AddPaymentRequest registers req and returns its ID, generating one when empty.
func (s *OAuthServer) AddPaymentRequest(req PaymentRequestRecord) string {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paymentRequests[req.ID] = &req
	return req.ID
}

// PaymentRequestURL returns the URL of payment request id on this server.
func (s *OAuthServer) PaymentRequestURL(id string) string {
	return fmt.Sprintf("%s/payment-request/%s", s.GetIssuerURL(), id)
}

// PaymentRequest returns a copy of the stored request, or nil.
func (s *OAuthServer) PaymentRequest(id string) *PaymentRequestRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pr, ok := s.paymentRequests[id]
	if !ok {
		return nil
	}
	cp := *pr
	return &cp
}

// PaymentRequestGets returns how many times a payment request was fetched.
func (s *OAuthServer) PaymentRequestGets() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paymentGetCalls
}

// SetBalance sets the funds available to source for /charge.
func (s *OAuthServer) SetBalance(source string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[source] = amount
}

// Charges returns all charge attempts in arrival order.
func (s *OAuthServer) Charges() []ChargeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChargeRecord, len(s.charges))
	copy(out, s.charges)
	return out
}

func (s *OAuthServer) handleGetPaymentRequest(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.paymentGetCalls++
	pr, ok := s.paymentRequests[r.PathValue("id")]
	var cp PaymentRequestRecord
	if ok {
		cp = *pr
	}
	s.mu.Unlock()

	if !ok {
		oauthError(w, http.StatusNotFound, "not_found", "unknown payment request")
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *OAuthServer) handlePutPaymentRequest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	token := ExtractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		oauthError(w, http.StatusUnauthorized, "invalid_token", "bearer token required")
		return
	}
	if s.config.PaymentTokenVerifier != nil {
		if err := s.config.PaymentTokenVerifier(token, id); err != nil {
			oauthError(w, http.StatusUnauthorized, "invalid_token", err.Error())
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.paymentRequests[id]
	if !ok {
		oauthError(w, http.StatusNotFound, "not_found", "unknown payment request")
		return
	}
	pr.Paid = true
	pr.PaymentToken = token
	// a paid request tops up the payer so a retried charge succeeds
	if pr.Source != "" {
		s.balances[pr.Source] = s.balances[pr.Source].Add(pr.Amount)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *OAuthServer) checkConnectionToken(w http.ResponseWriter, r *http.Request) bool {
	if s.config.ConnectionToken == "" {
		return true
	}
	if ExtractBearerToken(r.Header.Get("Authorization")) != s.config.ConnectionToken {
		oauthError(w, http.StatusUnauthorized, "invalid_token", "connection token rejected")
		return false
	}
	return true
}

func (s *OAuthServer) handleCreatePaymentRequest(w http.ResponseWriter, r *http.Request) {
	if !s.checkConnectionToken(w, r) {
		return
	}
	var req PaymentRequestRecord
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "malformed JSON")
		return
	}
	req.ID = ""
	id := s.AddPaymentRequest(req)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// handleCharge debits the source balance, answering 402 when funds are short.
func (s *OAuthServer) handleCharge(w http.ResponseWriter, r *http.Request) {
	if !s.checkConnectionToken(w, r) {
		return
	}
	var charge ChargeRecord
	if err := json.NewDecoder(r.Body).Decode(&charge); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "malformed JSON")
		return
	}

	s.mu.Lock()
	balance := s.balances[charge.Source]
	charge.Succeeded = balance.GreaterThanOrEqual(charge.Amount)
	if charge.Succeeded {
		s.balances[charge.Source] = balance.Sub(charge.Amount)
	}
	s.charges = append(s.charges, charge)
	s.mu.Unlock()

	if !charge.Succeeded {
		writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": "insufficient_funds"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
