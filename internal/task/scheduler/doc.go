// Package scheduler provides cooperative, quantum-based task scheduling.
//
// A Clock is the synchronous update loop: every Step advances one quantum,
// runs work posted to the loop, fires due synchronous handles and hands due
// async handles to the task engine. A Scheduler is the fluent builder that
// configures one unit of work (delay, period, counter walk, limit, freeze and
// terminate filters, lifecycle hooks) and starts it as a Handle.
//
// Per firing the evaluation order is fixed:
//   - terminate filters (any true cancels the handle)
//   - freeze filters (any true skips the body, nothing is consumed)
//   - one-shot handling
//   - limit and counter-walk bookkeeping
//   - the body itself
package scheduler
