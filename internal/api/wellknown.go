package api

import "net/http"

// wellKnownManifest is the static JSON manifest for /.well-known/bursar.json.
const wellKnownManifest = `{
  "name": "Bursar",
  "description": "Budget control plane for agent LLM spend",
  "version": "0.1.0",
  "api_base": "/api/v1",
  "auth": {
    "type": "bearer",
    "header": "Authorization"
  },
  "protocol": {
    "handshake": "/budget/handshake",
    "report": "/budget/report",
    "refresh": "/budget/refresh",
    "return": "/budget/return"
  },
  "endpoints": {
    "agents": "/api/v1/agents",
    "providers": "/api/v1/providers",
    "leases": "/api/v1/leases",
    "usage": "/api/v1/usage",
    "budget_requests": "/api/v1/budget-requests",
    "proxy": "/proxy/{provider}/"
  },
  "health": "/healthz"
}`

// WellKnownHandler returns the static Bursar well-known manifest.
func WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(wellKnownManifest))
}
