// Package email owns the lifecycle of a single send request.
//
// Submission validates, encrypts and persists the request, then enqueues it
// for the email worker. Dispatch hands the message to the provider and
// applies the retry policy: a failed attempt is re-enqueued with an
// incremented retry count until MaxSendAttempts is reached, after which the
// message is dead-lettered. Provider callbacks move sent requests to their
// delivery outcome through UpdateStatus.
//
// Repository implementations live in repository/postgres/.
package email
