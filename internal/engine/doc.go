// Package engine runs request-engine jobs on behalf of the control API and
// the CLI. It persists each run, drives one pipeline.Engine through its
// queue, start and drain phases, streams a status line for every matched
// response to subscribers, and stores the final report.
package engine
