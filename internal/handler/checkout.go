package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
)

func (h *Handler) listGateways(w http.ResponseWriter, _ *http.Request) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encodeGateways(e, h.checkout.Gateways())
	writeJSON(w, http.StatusOK, e.Bytes())
}

func (h *Handler) open(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := decodeOpen(body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	v, err := h.checkout.Open(r.Context(), req)
	h.respond(w, r, http.StatusCreated, v, err)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	v, err := h.checkout.Get(r.Context(), chi.URLParam(r, "sessionID"))
	h.respond(w, r, http.StatusOK, v, err)
}

func (h *Handler) reprice(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := decodeReprice(body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	v, err := h.checkout.Reprice(r.Context(), chi.URLParam(r, "sessionID"), req)
	h.respond(w, r, http.StatusOK, v, err)
}

func (h *Handler) pay(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := decodePay(body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	v, err := h.checkout.Pay(r.Context(), chi.URLParam(r, "sessionID"), req)
	h.respond(w, r, http.StatusOK, v, err)
}

func (h *Handler) submitOTP(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	code, err := decodeOTP(body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	v, err := h.checkout.SubmitOTP(r.Context(), chi.URLParam(r, "sessionID"), code)
	h.respond(w, r, http.StatusOK, v, err)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	v, err := h.checkout.CancelPayment(r.Context(), chi.URLParam(r, "sessionID"))
	h.respond(w, r, http.StatusOK, v, err)
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	v, err := h.checkout.RetryOrder(r.Context(), chi.URLParam(r, "sessionID"))
	h.respond(w, r, http.StatusOK, v, err)
}

// completeRedirect is the return URL handed to redirect gateways. The
// gateway appends its result as query parameters.
func (h *Handler) completeRedirect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	v, err := h.checkout.CompleteRedirect(r.Context(), chi.URLParam(r, "sessionID"), checkout.ReturnRequest{
		Status:        q.Get("status"),
		TransactionID: q.Get("tran_id"),
		ValidationID:  q.Get("val_id"),
	})
	h.respond(w, r, http.StatusOK, v, err)
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, status int, v *checkout.View, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encodeView(e, v)
	writeJSON(w, status, e.Bytes())
}
