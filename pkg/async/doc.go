// Package async provides safe background execution for fire-and-forget work
// such as download counters and analytics mirroring, plus bounded batch
// processing for periodic jobs.
//
// Background tasks are detached from the caller's cancellation, so a task
// started while serving a request keeps running after the response is
// written, bounded by its own timeout. Panics are recovered and logged.
//
//	async.SafeGo(r.Context(), 5*time.Second, "download counter", func(ctx context.Context) error {
//		return registry.IncrementDownloadCount(ctx, id, version)
//	})
//
// A Tracker does the same but lets the owner wait for outstanding tasks,
// which graceful shutdown and tests rely on.
package async
