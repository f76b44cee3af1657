// Package httputil provides HTTP helpers shared by Tollbooth's handlers:
// JSON responses with a uniform error body, request decoding with struct
// validation, and logging/recovery/request-ID middleware.
//
//	var req CheckoutRequest
//	if !httputil.DecodeAndValidateOrError(w, r, &req) {
//		return // 400 already written
//	}
//
// Business refusals use 402 with a machine-readable reason:
//
//	httputil.WritePaymentRequired(w, "insufficient_balance", "balance too low", balance)
package httputil
