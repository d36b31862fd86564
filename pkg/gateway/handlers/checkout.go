package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/veralis/intake-gateway/pkg/gateway/apierror"
	"github.com/veralis/intake-gateway/pkg/gateway/billing"
	"github.com/veralis/intake-gateway/pkg/gateway/mw"
)

// CheckoutHandler starts a hosted checkout for a named plan.
type CheckoutHandler struct {
	Billing *billing.Service
	Logger  *slog.Logger
}

func (h CheckoutHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if r.Method != http.MethodPost {
		apierror.WriteStatus(w, http.StatusMethodNotAllowed, &apierror.Error{
			Type: apierror.TypeInvalidRequest, Message: "method not allowed", Code: "method_not_allowed", RequestID: reqID,
		})
		return
	}
	if h.Billing == nil || !h.Billing.Configured() {
		apierror.WriteStatus(w, http.StatusServiceUnavailable, &apierror.Error{
			Type: apierror.TypeAPI, Message: "billing is not configured", Code: "billing_unconfigured", RequestID: reqID,
		})
		return
	}

	var body struct {
		Plan  string `json:"plan"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
		apierror.WriteStatus(w, http.StatusBadRequest, &apierror.Error{
			Type: apierror.TypeInvalidRequest, Message: "invalid json body", RequestID: reqID,
		})
		return
	}
	if strings.TrimSpace(body.Plan) == "" {
		apierror.WriteStatus(w, http.StatusBadRequest, &apierror.Error{
			Type: apierror.TypeInvalidRequest, Message: "plan is required", Param: "plan", RequestID: reqID,
		})
		return
	}

	url, err := h.Billing.NewCheckout(r.Context(), body.Plan, body.Email)
	if err != nil {
		if errors.Is(err, billing.ErrUnknownPlan) {
			apierror.WriteStatus(w, http.StatusBadRequest, &apierror.Error{
				Type: apierror.TypeInvalidRequest, Message: "unknown plan", Param: "plan", RequestID: reqID,
			})
			return
		}
		h.logger().Error("checkout creation failed", "error", err, "request_id", reqID)
		apierror.WriteStatus(w, http.StatusBadGateway, &apierror.Error{
			Type: apierror.TypeAPI, Message: "checkout provider error", RequestID: reqID,
		})
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]string{"url": url})
}

func (h CheckoutHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
