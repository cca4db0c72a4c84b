// Package pipeline implements a raw-socket HTTP/1.1 request engine built for
// race-condition and timing-sensitive testing. A fixed pool of connection
// workers pulls caller-built requests from a bounded intake, writes several of
// them back-to-back on one connection, frames the responses straight off the
// byte stream and hands every matched request/response pair to a callback.
//
// Requests whose connection breaks before their response is read are moved to
// a retry buffer, which every worker drains before taking fresh work. Workers
// stay behind a connect gate until Start, and retire once Draining is reached
// and no work remains.
package pipeline
