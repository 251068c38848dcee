// Package logging provides a tiny abstraction over slog so the roundtable
// core can depend on a minimal interface (Logger) while allowing users to
// plug any structured logger. It also offers a richer RoundtableLogger with
// contextual helpers (session, component) and domain specific helpers for
// vault operations, turn submissions and analysis runs.
package logging
