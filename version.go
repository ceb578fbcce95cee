package lattice

// Version is the release of the lattice module, set at build time with
// -ldflags "-X github.com/aretw0/lattice.Version=...".
var Version = "0.1.0"
