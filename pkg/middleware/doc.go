// Package middleware provides per-subscriber rate limiting for the write
// routes (checkout, usage metering).
//
// Two limiters share one interface: an in-process token bucket for single
// instance deployments and a Redis fixed window shared across replicas.
// Requests are keyed by the {id} route variable, falling back to the client
// IP. Redis failures fail open and are logged.
//
//	limiter := middleware.NewRedisLimiter(client, middleware.DefaultConfig(), "tollbooth:ratelimit")
//	router.Use(middleware.RateLimit(limiter, log))
package middleware
