// Package deadletter captures terminally failed workflow runs into a
// durable triage queue. Entries group by failure fingerprint, move through
// a Pending/Retrying/Investigating/Resolved/Abandoned lifecycle, and can be
// retried from the beginning or from the failed node with parameter
// overrides.
package deadletter
