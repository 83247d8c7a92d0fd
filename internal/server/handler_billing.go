package server

import (
	"net/http"
	"time"

	"github.com/kestrel-labs/memoryrouter/internal/apperr"
	"github.com/kestrel-labs/memoryrouter/internal/domain"
)

type billingOverview struct {
	State                 string     `json:"state"`
	HasPaymentInstrument   bool       `json:"has_payment_instrument"`
	CumulativeTokens       int64      `json:"cumulative_tokens"`
	GraceDeadline          *time.Time `json:"grace_deadline,omitempty"`
}

func (s *Server) handleBillingOverview(w http.ResponseWriter, r *http.Request) {
	memCtx, err := s.ownerOf(r)
	if err != nil {
		writeError(w, err)
		return
	}
	owner, err := s.deps.Owners.Get(r.Context(), memCtx.OwnerID)
	if err != nil {
		writeError(w, apperr.Internal("resolving owner", err))
		return
	}
	writeJSON(w, http.StatusOK, billingOverview{
		State: string(owner.State), HasPaymentInstrument: owner.HasPaymentInstrument,
		CumulativeTokens: owner.CumulativeTokens, GraceDeadline: owner.GraceDeadline,
	})
}

type usageRecordView struct {
	RequestID          string    `json:"request_id"`
	ContextID          string    `json:"context_id"`
	StoredInputTokens  int       `json:"stored_input_tokens"`
	StoredOutputTokens int       `json:"stored_output_tokens"`
	RetrievedTokens    int       `json:"retrieved_tokens"`
	Model              string    `json:"model"`
	ProviderFamily     string    `json:"provider_family"`
	CreatedAt          time.Time `json:"created_at"`
}

func (s *Server) handleUsageDetails(w http.ResponseWriter, r *http.Request) {
	memCtx, err := s.ownerOf(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := parsePositiveInt(raw); err == nil {
			limit = n
		}
	}
	records, err := s.deps.Usage.ListByOwner(r.Context(), memCtx.OwnerID, limit)
	if err != nil {
		writeError(w, apperr.Internal("listing usage", err))
		return
	}
	out := make([]usageRecordView, len(records))
	for i, rec := range records {
		out[i] = usageRecordView{
			RequestID: rec.RequestID, ContextID: rec.ContextID,
			StoredInputTokens: rec.StoredInputTokens, StoredOutputTokens: rec.StoredOutputTokens,
			RetrievedTokens: rec.RetrievedTokens, Model: rec.Model,
			ProviderFamily: rec.ProviderFamily, CreatedAt: rec.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type quotaStatus struct {
	State            string `json:"state"`
	CumulativeTokens int64  `json:"cumulative_tokens"`
	Unlimited        bool   `json:"unlimited"`
}

func (s *Server) handleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	memCtx, err := s.ownerOf(r)
	if err != nil {
		writeError(w, err)
		return
	}
	owner, err := s.deps.Owners.Get(r.Context(), memCtx.OwnerID)
	if err != nil {
		writeError(w, apperr.Internal("resolving owner", err))
		return
	}
	writeJSON(w, http.StatusOK, quotaStatus{
		State: string(owner.State), CumulativeTokens: owner.CumulativeTokens,
		Unlimited: owner.State == domain.BillingEnterprise,
	})
}

// handlePaymentMethods and handleInvoices proxy a real billing provider
// (Stripe, Paddle, ...). Managing card-on-file state and invoice history
// is an external collaborator's job per spec.md §1's scope note; this
// deployment has no such collaborator wired in, so both return an empty
// list rather than fabricating data.
func (s *Server) handlePaymentMethods(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []any{})
}

func (s *Server) handleInvoices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []any{})
}
