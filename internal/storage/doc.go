// Package storage defines the Disk backend interface consumed by the
// pipeline, with a local filesystem implementation (including retry handling
// for transient NFS errors) and an in-memory implementation that models an
// eventually-consistent object store.
package storage
