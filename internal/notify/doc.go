// Package notify is the background notification engine.
//
// The engine runs on its own goroutine, independent of any foreground view.
// Every cycle (every five minutes, and whenever CHECK_NOTIFICATIONS is
// received) it fetches the product listing of its user and compares each
// product's stock bucket with the last one observed:
//
//   - normal: stock above the product's minimum
//   - low: 0 < stock <= minimum
//   - out: stock == 0
//
// A notification is shown only when a product moves into the low or out
// bucket, and withdrawn when it moves back to normal. Observing the same
// bucket again does nothing, however much time has passed. Products that
// disappear from the listing have their notifications withdrawn and their
// observation deleted; an empty listing clears everything.
//
// Notifications carry one tag per product and bucket (stock-low-<id>,
// stock-out-<id>) so that showing a tag again replaces the earlier alert.
//
// Failures never reach the foreground: they are logged and the cycle is
// skipped.
package notify
