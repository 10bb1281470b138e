// Package contrib holds optional add-ons built on top of syncqueue.
//
// Nothing here is needed to queue or deliver writes, and these packages are
// outside the compatibility guarantees of the core packages.
//
// [github.com/tidepool-social/syncqueue/contrib/statusapi] serves the state of
// the sync and realtime managers over HTTP, lets an operator force a drain or a
// reconnect, and exposes the Prometheus metrics.
package contrib
