// Package record provides Record, a ready-made replicated entity holding a
// flat set of named fields.
package record
