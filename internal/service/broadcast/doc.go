// Package broadcast fans one templated campaign out into per-recipient
// send requests.
//
// A broadcast is built in draft, started once, and then advanced one page
// of recipients per queue message. Each page is processed under a
// per-broadcast lease so two workers never send the same page at once.
// Pages are addressed by offset into insertion order; the run completes
// when no pending recipients remain.
package broadcast
