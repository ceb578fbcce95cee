/*
Package ports defines the driven ports (interfaces) for the Lattice engine.

These interfaces decouple the replication core from the shared document
implementation and from the application entities being mirrored.

# Key Interfaces

  - Document: a replicated set of named maps with atomic, origin-tagged transactions
    and change observers (e.g., in-memory or Redis).
  - Txn: the mutation surface handed to Document.Transact.
  - Synchronized: the contract an entity implements to be mirrored across peers.
*/
package ports
