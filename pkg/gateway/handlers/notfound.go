package handlers

import (
	"net/http"

	"github.com/veralis/intake-gateway/pkg/gateway/apierror"
	"github.com/veralis/intake-gateway/pkg/gateway/mw"
)

// NotFoundHandler keeps unknown routes on the JSON error envelope.
type NotFoundHandler struct{}

func (NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apierror.WriteStatus(w, http.StatusNotFound, &apierror.Error{
		Type:      apierror.TypeNotFound,
		Message:   "no such route",
		RequestID: reqID,
	})
}
