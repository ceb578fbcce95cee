/*
Package domain contains the core value model and shared vocabulary of the Lattice engine.

It defines the closed set of values that may cross the network boundary, the sentinel
errors returned by the replication manager, and the lifecycle events emitted for
observability. This package is kept pure and free of I/O, following Hexagonal
Architecture principles.

# Key Entities

  - Value / Map: serializable values (nil, bool, float64, string, []any, map[string]any).
  - Normalize: converts arbitrary Go values into the closed set.
  - Decode: copies a Value into a typed struct using mapstructure tags.
  - LifecycleHooks: optional callbacks for adds, removals, flushes and suppressed echoes.
*/
package domain
