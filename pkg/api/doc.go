// Package api exposes Tollbooth over HTTP with gorilla/mux.
//
// Routes:
//
//	POST   /v1/subscribers/{id}/checkout           buy a basket of packages
//	GET    /v1/subscribers/{id}/balance            current dual-bucket balance
//	GET    /v1/subscribers/{id}/receipts           receipts, newest first
//	GET    /v1/subscribers/{id}/usage              ledger entries (kind, from, to)
//	GET    /v1/subscribers/{id}/usage/summary      aggregated ledger
//	POST   /v1/subscribers/{id}/usage              meter one AI generation
//	GET    /v1/receipts/{id}                       one receipt
//	POST   /v1/receipts/{id}/deliver               signed downloads
//	POST   /v1/receipts/{id}/refund                refund a receipt
//	GET    /v1/jobs/{id}/usage                     ledger entries of one job
//	POST   /v1/payloads                            upload a payload
//	POST   /v1/packages                            register a manifest
//	GET    /v1/packages/search                     search active packages
//	POST   /v1/packages/resolve                    resolve requirements
//	GET    /v1/packages/{id}/latest                highest active version
//	GET    /v1/packages/{id}/versions/{version}    exact version
//	DELETE /v1/packages/{id}/versions/{version}    deactivate a version
//	POST   /v1/webhooks/subscriptions              signed subscription events
//
// Errors share one body, {"error", "reason", "details", "data"}. Status
// codes: 400 validation, 402 refused charge (reason and balance set), 404
// unknown resource, 409 conflict, 503 persistence failure, 500 otherwise.
package api
