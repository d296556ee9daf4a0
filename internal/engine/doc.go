// Package engine drives jobs and sequences against remote executors.
//
// Engine owns the job lifecycle: it validates and registers jobs, dispatches
// them to an executor, folds artifact signals into progress, and performs
// race-safe cancellation with exactly one terminal notification per job.
//
// Sequencer runs an ordered list of configuration items one at a time
// (apply, produce, wait for outcome), stopping at the first failure, timeout
// or cancellation.
package engine
