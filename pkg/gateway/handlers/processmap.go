package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/veralis/intake-gateway/pkg/gateway/apierror"
	"github.com/veralis/intake-gateway/pkg/gateway/identity"
	"github.com/veralis/intake-gateway/pkg/gateway/mapper"
	"github.com/veralis/intake-gateway/pkg/gateway/mw"
)

// ProcessMapHandler regenerates a signed-in owner's process map from a
// transcript. Each run stores a new numbered version.
type ProcessMapHandler struct {
	Mapper   *mapper.Mapper
	Resolver *identity.Resolver
	Logger   *slog.Logger
}

func (h ProcessMapHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if r.Method != http.MethodPost {
		apierror.WriteStatus(w, http.StatusMethodNotAllowed, &apierror.Error{
			Type: apierror.TypeInvalidRequest, Message: "method not allowed", Code: "method_not_allowed", RequestID: reqID,
		})
		return
	}
	if h.Mapper == nil {
		apierror.WriteStatus(w, http.StatusServiceUnavailable, &apierror.Error{
			Type: apierror.TypeAPI, Message: "process mapper is not configured", Code: "mapper_unconfigured", RequestID: reqID,
		})
		return
	}

	id := h.Resolver.Resolve(r)
	if !id.Authenticated() {
		apierror.WriteStatus(w, http.StatusUnauthorized, &apierror.Error{
			Type: apierror.TypeAuthentication, Message: "sign in to generate a process map", RequestID: reqID,
		})
		return
	}

	var body struct {
		Transcript string `json:"transcript"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		apierror.WriteStatus(w, http.StatusBadRequest, &apierror.Error{
			Type: apierror.TypeInvalidRequest, Message: "invalid json body", RequestID: reqID,
		})
		return
	}
	if strings.TrimSpace(body.Transcript) == "" {
		apierror.WriteStatus(w, http.StatusBadRequest, &apierror.Error{
			Type: apierror.TypeInvalidRequest, Message: "transcript is required", Param: "transcript", RequestID: reqID,
		})
		return
	}

	pm, err := h.Mapper.Generate(r.Context(), id.UserID, body.Transcript)
	if err != nil {
		h.logger().Error("process map generation failed", "error", err, "request_id", reqID)
		apierror.WriteStatus(w, http.StatusBadGateway, &apierror.Error{
			Type: apierror.TypeAPI, Message: "generation failed", RequestID: reqID,
		})
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"version":      pm.Version,
		"processes":    pm.Processes,
		"bottlenecks":  pm.Bottlenecks,
		"automation":   pm.Automation,
		"generated_at": pm.GeneratedAt,
	})
}

func (h ProcessMapHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
