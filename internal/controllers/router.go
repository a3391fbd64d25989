package controllers

import "net/http"

// RegisterRoutes wires the HTTP routes for this controller.
func (c *SequenceController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/queue/sequence", c.RequireAuth(c.handleCreateSequence))
	mux.HandleFunc("GET /api/queue/sequence/{stepIds}/status", c.RequireAuth(c.handleGetSequenceStatus))
	mux.HandleFunc("POST /api/queue/sequence/{stepIds}/process-next", c.RequireAuth(c.handleProcessNextStep))
	mux.HandleFunc("POST /api/queue/step/{stepId}/retry", c.RequireAuth(c.handleRetryStep))
	mux.HandleFunc("GET /api/queue/sequences/{sequenceId}", c.RequireAuth(c.handleListSequence))
	mux.HandleFunc("GET /api/queue/step-types", c.RequireAuth(c.handleListStepTypes))
	mux.HandleFunc("GET /health", handleHealth)
}

// RegisterNotificationRoutes exposes the WebSocket endpoint of the notification hub.
func (c *SequenceController) RegisterNotificationRoutes(mux *http.ServeMux, hub http.Handler) {
	mux.HandleFunc("GET /ws/processing-queue", c.RequireAuth(hub.ServeHTTP))
}
