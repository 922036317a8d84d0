/*
Package kafkarunner implements a high-level kafka consumer group runner on top
of libkafka.

The runner drives a single group member through its lifecycle: join and sync
with the group coordinator, fetch record batches from the owned partitions,
dispatch them to a user handler (one message at a time or a whole batch at a
time), resolve and commit offsets, heartbeat, recover from rebalances, and
quiesce in-flight work on stop. See the runner package. The groups package
implements the group membership and fetch plumbing the runner drives. See
cmd/consumer for an example.
*/
package kafkarunner
