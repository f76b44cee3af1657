// Package storage opens the persistence backends behind Tollbooth's stores.
//
// Two backend types are supported:
//
//   - memory: every store lives in process memory. Used by tests and single
//     process demos; nothing survives a restart.
//   - postgres: every store is backed by PostgreSQL through lib/pq. Open runs
//     the pending schema migrations of each component before returning.
//
// Redis is optional and only fronts the package registry as an L2 cache.
//
//	stores, err := storage.Open(ctx, cfg, log)
//	if err != nil {
//		return err
//	}
//	defer stores.Close()
//
//	balances := balance.NewService(stores.Balances, log)
package storage
