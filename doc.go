/*
Package lattice keeps collections of live, stateful objects synchronized
across many instances of an application through a shared replicated document.

Each participating instance runs a replica.Manager per namespace. Objects added
locally are published to the document; peers see the publication and build a
mirror object through the namespace's factory. Local state changes are batched
per object and written in one transaction per flush; remote changes are applied
to the mirrors without being echoed back.

# Layout

  - pkg/domain: values, diffs, errors and lifecycle events.
  - pkg/ports: the Document and Synchronized contracts.
  - pkg/adapters/memory: an in-process Document for tests and single-node use.
  - pkg/adapters/redis: a Redis-backed Document with an optional distributed lock.
  - pkg/replica: the synchronization manager.
  - pkg/record: a ready-made Synchronized field map.
  - pkg/observability: Prometheus metrics and log hooks.

The lattice command (cmd/lattice) serves a record namespace over HTTP and
ships a two-peer demo.
*/
package lattice
