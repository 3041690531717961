package redis

// Redis key naming conventions. All keys are prefixed with "stowage:" to
// avoid collisions.

const keyPrefix = "stowage:"

// jobKeyPrefix prefixes job hashes; the lease script builds keys from it.
const jobKeyPrefix = keyPrefix + "job:"

// jobKey returns the Hash key for a job: stowage:job:{id}
func jobKey(id string) string { return jobKeyPrefix + id }

// readyKey returns the Sorted Set of leasable jobs for a queue, scored by
// priority then start time: stowage:ready:{queue}
func readyKey(queue string) string { return keyPrefix + "ready:" + queue }

// scheduledKey returns the Sorted Set of jobs waiting for their start
// time, scored by start_after in milliseconds: stowage:scheduled:{queue}
func scheduledKey(queue string) string { return keyPrefix + "scheduled:" + queue }

// queuesKey is the Set of every queue that ever received a job.
const queuesKey = keyPrefix + "queues"

// activeKey is the Sorted Set of leased jobs scored by lease time.
const activeKey = keyPrefix + "active"

// finishedKey is the Sorted Set of finished jobs scored by completion time.
const finishedKey = keyPrefix + "finished"

// archiveKey is the Sorted Set of archived jobs scored by archive time.
const archiveKey = keyPrefix + "archive"
