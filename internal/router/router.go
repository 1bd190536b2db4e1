package router

import (
	"net/http"

	"github.com/homegpucloud/backend/internal/auth"
	"github.com/homegpucloud/backend/internal/billing"
	"github.com/homegpucloud/backend/internal/jobs"
	"github.com/homegpucloud/backend/internal/payments"
	"github.com/homegpucloud/backend/internal/webhooks"
)

// New returns an http.Handler that serves the API under /api.
func New(
	authHandler *auth.Handler,
	jobsHandler *jobs.Handler,
	billingHandler *billing.Handler,
	paymentsHandler *payments.Handler,
	webhooksHandler *webhooks.Handler,
) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/register", authHandler.Register)
	mux.HandleFunc("POST /api/auth/login", authHandler.Login)
	mux.HandleFunc("GET /api/auth/me", authHandler.Me)

	mux.HandleFunc("POST /api/jobs", jobsHandler.Submit)
	mux.HandleFunc("GET /api/jobs", jobsHandler.List)
	mux.HandleFunc("GET /api/jobs/{id}", jobsHandler.Get)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", jobsHandler.Cancel)
	mux.HandleFunc("GET /api/jobs/{id}/logs", jobsHandler.Logs)
	mux.HandleFunc("GET /api/jobs/{id}/logs/stream", jobsHandler.StreamLogs)
	mux.HandleFunc("GET /api/jobs/{id}/outputs", jobsHandler.Outputs)
	mux.HandleFunc("DELETE /api/jobs/{id}", jobsHandler.Cleanup)

	mux.HandleFunc("GET /api/billing/pricing", billingHandler.Pricing)
	mux.HandleFunc("GET /api/billing/wallet", billingHandler.GetWallet)
	mux.HandleFunc("GET /api/billing/transactions", billingHandler.ListTransactions)
	mux.HandleFunc("POST /api/billing/credits", billingHandler.AddCredits)

	mux.HandleFunc("POST /api/payments/checkout", paymentsHandler.CreateCheckout)
	mux.HandleFunc("POST /api/payments/capture", paymentsHandler.CapturePayment)

	// Execution-node callbacks, authenticated by the worker secret.
	mux.HandleFunc("POST /api/webhooks/job-status", webhooksHandler.JobStatus)
	mux.HandleFunc("POST /api/webhooks/billing-heartbeat", webhooksHandler.BillingHeartbeat)
	mux.HandleFunc("GET /api/webhooks/jobs/{id}/state", webhooksHandler.JobState)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return mux
}
