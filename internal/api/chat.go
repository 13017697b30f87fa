package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ashureev/beatdown/internal/conversation"
	"github.com/ashureev/beatdown/internal/identity"
	"github.com/ashureev/beatdown/internal/metrics"
	"github.com/go-chi/chi/v5"
)

// ChatHandler serves the widget's conversation, credit and checkout routes.
type ChatHandler struct {
	*Handler
	checkoutURL string
}

// NewChatHandler creates a chat handler redirecting purchases to checkoutURL.
func NewChatHandler(base *Handler, checkoutURL string) *ChatHandler {
	return &ChatHandler{Handler: base, checkoutURL: checkoutURL}
}

// RegisterRoutes registers the widget API routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/session", h.GetSession)
		r.Post("/input", h.SetInput)
		r.Post("/send", h.Send)
		r.Post("/redeem", h.Redeem)
		r.Get("/checkout", h.Checkout)
	})
}

type sessionResponse struct {
	SessionID string `json:"sessionId"`
	conversation.Snapshot
}

type inputRequest struct {
	Input string `json:"input"`
}

// sendRequest carries optional input; when absent the pending input is sent.
type sendRequest struct {
	Input *string `json:"input"`
}

type sendResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
	conversation.Snapshot
}

type redeemRequest struct {
	URL string `json:"url"`
}

type redeemResponse struct {
	Granted bool   `json:"granted"`
	Credits int    `json:"credits"`
	URL     string `json:"url"`
}

// GetSession returns the tab's transcript, state and balance.
func (h *ChatHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	tab, ok := h.tab(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, sessionResponse{
		SessionID: identity.SessionIDFromContext(r.Context()),
		Snapshot:  tab.Controller.Snapshot(),
	})
}

// SetInput replaces the pending input.
func (h *ChatHandler) SetInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tab, ok := h.tab(w, r)
	if !ok {
		return
	}
	tab.Controller.SetInput(req.Input)
	JSON(w, http.StatusOK, tab.Controller.Snapshot())
}

// Send submits the pending input (or the given input) and waits for the reply.
// A rejected send is not an HTTP error.
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tab, ok := h.tab(w, r)
	if !ok {
		return
	}

	// A client disconnect must not strand the tab in AwaitingResponse.
	ctx := context.WithoutCancel(r.Context())

	var (
		outcome conversation.Outcome
		err     error
	)
	if req.Input != nil {
		outcome, err = tab.Controller.SendText(ctx, *req.Input)
	} else {
		outcome, err = tab.Controller.Send(ctx)
	}
	if err != nil {
		h.logger.Error("Send failed", "error", err, "user_id", tab.UserID, "session_id", tab.SessionID)
		Error(w, http.StatusInternalServerError, "failed to send message")
		return
	}
	metrics.RecordSend(outcome.Accepted, string(outcome.Reason))

	resp := sendResponse{
		Accepted: outcome.Accepted,
		Reason:   string(outcome.Reason),
		Snapshot: tab.Controller.Snapshot(),
	}
	if outcome.Err != nil {
		resp.Error = "chat_endpoint_failed"
	}
	JSON(w, http.StatusOK, resp)
}

// Redeem applies a top-up when the page URL carries the redemption code and
// returns the URL to show without it.
func (h *ChatHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pageURL, err := url.Parse(req.URL)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid url")
		return
	}
	tab, ok := h.tab(w, r)
	if !ok {
		return
	}

	granted, cleaned, err := tab.Ledger.RedeemTopUp(r.Context(), pageURL)
	if err != nil {
		h.logger.Error("Redeem failed", "error", err, "user_id", tab.UserID)
		Error(w, http.StatusInternalServerError, "failed to redeem")
		return
	}
	if granted {
		metrics.CreditsRedeemed.Add(float64(tab.Ledger.Bonus()))
		tab.Controller.Notify()
	}

	JSON(w, http.StatusOK, redeemResponse{
		Granted: granted,
		Credits: tab.Ledger.Balance(),
		URL:     cleaned.String(),
	})
}

// Checkout redirects the whole page to the checkout endpoint.
func (h *ChatHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	metrics.CheckoutRedirects.Inc()
	http.Redirect(w, r, h.checkoutURL, http.StatusFound)
}
