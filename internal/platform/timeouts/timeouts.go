// Package timeouts defines shared timeout constants used across the runtime.
// Centralizing these values prevents drift between loops and makes the
// durations discoverable.
package timeouts

import "time"

// SchedulerPoll is the default interval between due-timer scans.
const SchedulerPoll = 2 * time.Second

// SchedulerLease caps how long a claimed timer may sit in processing before
// another scan reclaims it.
const SchedulerLease = 2 * time.Minute

// OutboxReap is the default interval between expired-command sweeps.
const OutboxReap = time.Minute

// Shutdown limits how long the runtime waits for in-flight work during
// graceful shutdown.
const Shutdown = 5 * time.Second
