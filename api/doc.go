// Package api exposes the liveness store over HTTP.
//
// Routes:
//
//	POST   /api/v1/agents/{id}/report  ingest one report
//	GET    /api/v1/agents              list agents with their health verdict
//	GET    /api/v1/agents/{id}         one agent
//	DELETE /api/v1/agents/{id}         remove an agent (admin)
//	GET    /api/v1/agents/{id}/watch   WebSocket stream of updates
//	GET    /api/v1/stats               store, queue and suppression counts
//	GET    /healthz                    liveness of the service itself
//	GET    /metrics                    Prometheus exposition
//
// Errors are rendered as {"error": {...}} with the status from
// errors.HTTPStatus.
package api
