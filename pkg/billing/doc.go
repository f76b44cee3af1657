// Package billing holds the vocabulary shared by every money-moving package:
// the two balance buckets and subscription statuses.
//
// # Buckets
//
// Every charge is drawn from one of two buckets:
//
//   - included: the subscription allowance, reset each billing period
//   - on_demand: overage accrued once the allowance is exhausted, optionally
//     capped per period by the plan
//
// Bucket is a closed enum; ParseBucket rejects anything else, so stored and
// user-supplied values are checked at the boundary.
//
// # Subscription Status
//
// Plan assignments carry a SubscriptionStatus mirroring the external
// subscription provider: active, trialing, past_due or canceled.
package billing
