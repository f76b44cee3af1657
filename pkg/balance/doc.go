// Package balance owns the dual-bucket monetary balance kept per subscriber.
//
// A balance holds an "included" allowance granted by the subscription period
// and an "on-demand" accrual for overage spent past that allowance. Charges
// drain the included bucket first and spill the remainder into on-demand when
// the caller permits it and the cap allows it. A charge either applies in full
// or not at all.
//
// Every mutation is a compare-and-swap on the balance revision, retried with
// exponential backoff on conflict, so concurrent charges for one subscriber
// never deduct more than the balance plus the permitted overage. Charges are
// idempotent on a caller-supplied key: the transaction record is written in the
// same atomic step as the balance update, and a replayed key returns the
// recorded result.
//
// # Usage
//
//	svc := balance.NewService(balance.NewPostgresStore(db), logger)
//	res, err := svc.Charge(ctx, balance.ChargeRequest{
//	    SubscriberID:   "sub_123",
//	    Amount:         decimal.RequireFromString("15.00"),
//	    AllowOnDemand:  true,
//	    IdempotencyKey: "checkout_abc",
//	})
//	var chargeErr *balance.ChargeError
//	if errors.As(err, &chargeErr) {
//	    // terminal business failure, chargeErr.Reason tells which
//	}
package balance
