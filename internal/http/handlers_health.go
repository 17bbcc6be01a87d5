package httpx

import (
	"encoding/json"
	"io"
	"net/http"
)

const serviceName = "placement-fulfillment"

// healthStatus is the /healthz body. Surfaces lists the admin API groups
// mounted by this router.
type healthStatus struct {
	Status   string   `json:"status"`
	Service  string   `json:"service"`
	Surfaces []string `json:"surfaces"`
}

// newHealthHandler answers readiness and liveness checks with a fixed body.
func newHealthHandler(surfaces ...string) http.HandlerFunc {
	if surfaces == nil {
		surfaces = []string{}
	}
	body, _ := json.Marshal(healthStatus{Status: "ok", Service: serviceName, Surfaces: surfaces})

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		// Nothing more to do if the client connection is gone.
		_, _ = io.WriteString(w, string(body))
	}
}
