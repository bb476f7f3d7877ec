package httpapi

import (
	"net/http"

	"github.com/parlakisik/service-exchange/src/sx-engine/internal/service"
)

func NewRouter(svc *service.Service, auth *Authenticator, limiter *RateLimiter) http.Handler {
	h := NewHandlers(svc)
	api := http.NewServeMux()

	api.HandleFunc("POST /v1/requests", h.CreateRequest)
	api.HandleFunc("GET /v1/requests/{id}", actorCall(http.StatusOK, svc.GetRequest))
	api.HandleFunc("POST /v1/requests/{id}/open", actorCall(http.StatusOK, svc.OpenForBids))
	api.HandleFunc("POST /v1/requests/{id}/cancel", actorCall(http.StatusOK, svc.CancelRequest))
	api.HandleFunc("GET /v1/requests/{id}/recommendations", h.Recommend)
	api.HandleFunc("POST /v1/requests/{id}/jobs", h.AssignJobs)
	api.HandleFunc("POST /v1/requests/{id}/bids", actorCallWithBody(http.StatusCreated, svc.SubmitBid))
	api.HandleFunc("GET /v1/requests/{id}/bids", h.ListBids)

	api.HandleFunc("POST /v1/bids/{id}/accept", actorCall(http.StatusOK, svc.AcceptBid))
	api.HandleFunc("POST /v1/bids/{id}/reject", actorCall(http.StatusOK, svc.RejectBid))
	api.HandleFunc("DELETE /v1/bids/{id}", actorCall(http.StatusOK, svc.WithdrawBid))

	api.HandleFunc("POST /v1/jobs/{id}/accept", actorCall(http.StatusOK, svc.AcceptJob))
	api.HandleFunc("POST /v1/jobs/{id}/decline", actorCall(http.StatusOK, svc.DeclineJob))
	api.HandleFunc("POST /v1/jobs/{id}/start", actorCall(http.StatusOK, svc.StartJob))
	api.HandleFunc("POST /v1/jobs/{id}/complete", actorCall(http.StatusOK, svc.CompleteJob))
	api.HandleFunc("POST /v1/jobs/{id}/cancel", actorCall(http.StatusOK, svc.CancelJob))
	api.HandleFunc("POST /v1/jobs/{id}/review", actorCallWithBody(http.StatusCreated, svc.CreateReview))

	api.HandleFunc("POST /v1/invoices/{id}/pay", actorCallWithBody(http.StatusOK, svc.MarkInvoicePaid))

	api.HandleFunc("GET /v1/providers/{id}/earnings", actorCall(http.StatusOK, svc.ProviderEarnings))
	api.HandleFunc("PUT /v1/providers/{id}", actorCallWithBody(http.StatusOK, svc.UpsertProvider))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("/v1/", chain(api, auth.Middleware, limiter.Middleware))

	return serverChain(mux)
}

// serverChain wraps every route. Logging sits outside Recovery so a
// recovered panic is still logged with its 500.
func serverChain(h http.Handler) http.Handler {
	return chain(h, RequestID, Logging, Recovery)
}
