// Package syncqueue keeps writes made while offline from being lost and keeps
// a live subscription to server-pushed updates healthy.
//
// # Components
//
// Writes are persisted by a [github.com/tidepool-social/syncqueue/pkg/queue.Store]
// until the sync manager in [github.com/tidepool-social/syncqueue/pkg/syncer]
// delivers them through a [github.com/tidepool-social/syncqueue/pkg/submit.Submitter]
// and classifies the outcome. A client error (4xx) drops the item; anything
// else keeps it and counts the attempt. Drain passes report their progress on
// a [github.com/tidepool-social/syncqueue/pkg/events.Bus].
//
// The realtime manager in [github.com/tidepool-social/syncqueue/pkg/realtime]
// owns one push subscription. It connects only while the user is
// authenticated and the initial data is loaded, and it retries on faults.
//
// # Assembly
//
// [Open] builds all of the above from an internal/config.Config. Stores exist
// for memory, a JSON file, SQLite, PostgreSQL and Redis; submitters for HTTP
// and Kafka; realtime transports for gorilla/websocket and gws.
//
// Delivery is at least once: a write whose response was lost is sent again,
// so the backend endpoint should be idempotent.
package syncqueue
