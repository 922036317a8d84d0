// Package runner drives a single consumer group member: join and sync with
// the group, then fetch, dispatch to the user handler, resolve and commit
// offsets, heartbeat, repeat. Rebalance and unknown member errors are
// recovered by re-joining; offset-out-of-range is swallowed after the group
// repositions the cursor; everything else is retried with backoff and, on
// exhaustion, surfaced through the crash callback.
//
// Handlers are invoked strictly in offset order within a partition. Batches
// from different partitions are processed concurrently up to the configured
// limit. Stop is cooperative: it flips the running flag, waits for the
// in-flight fetch cycle to drain, and leaves the group.
package runner
