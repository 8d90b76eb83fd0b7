// Package sync provides the Synchronization Coordinator: one Coordinator per
// entity kind, keeping an in-memory list consistent with the Local Store,
// the Response Cache and the remote service.
//
// Overview
//
// Reads are optimistic. Load paints whatever the Local Store holds for the
// active user and refreshes from the server in the background, at most once
// every 30 seconds per kind. With an empty store the refresh is synchronous.
//
// Writes are optimistic too. Add, Update and Remove apply to the Local Store
// and to memory first, then try the server:
//
//	Add(entity)
//	     ├── temporary id assigned, stored, shown
//	     ├── POST /{kind}
//	     │     ├── ok         → temporary record swapped for the confirmed one (OutcomeSynced)
//	     │     ├── transient  → create queued for replay (OutcomeQueued)
//	     │     └── rejected   → error returned, local entry kept
//	     └── later drains reconcile through Registry.Reconcile
//
// State machine
//
// Each kind moves through Idle → Loading → Ready, and Ready → Loading on
// refresh. A refresh requested while one is running joins it instead of
// issuing a second request. A user switch resets every kind to Idle with no
// items; results of requests started for the previous user are discarded.
//
// Merge
//
// The server list wins. Pending queued updates are overlaid, records with a
// pending delete are hidden, and temporary records survive only while their
// create is queued or being sent. Sales held twice (optimistic and
// confirmed) collapse on their content key, keeping the confirmed one.
//
// Failure policy
//
// Local Store errors are logged and ignored; the store is a mirror, not the
// system of record. Callers see transport.ErrUnauthenticated, validation
// errors (schema.ErrInvalid) and server rejections (*transport.StatusError).
// Connectivity failures are never errors: they produce OutcomeQueued.
package sync
