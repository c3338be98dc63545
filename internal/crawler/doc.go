// Package crawler defines the job model, task graph types and the
// interfaces (stores, publishers, fetchers) shared by the image crawler's
// subsystems.
package crawler
