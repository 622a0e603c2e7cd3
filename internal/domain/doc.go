// Package domain holds the core types shared across the dispatch pipeline:
// message jobs, per-recipient message records and their status state machine,
// and provider callback events. It has no dependencies on storage or
// transport packages.
package domain
