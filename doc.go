// Package binder implements an in-process model of the Android/Linux
// Binder IPC core: the object graph of processes, nodes and references,
// a best-fit buffer pool, the transaction and reference-counting state
// machines, death notifications and the thread pool governor.
//
// There is no real character device or kernel driver behind this
// package — Endpoint exposes the same open/mmap/ioctl(WRITE_READ)/
// poll/flush/release surface the real driver does, but as plain Go
// method calls against an in-memory Host rather than syscalls against
// /dev/binder. See internal/core for the object graph and state
// machines, internal/bufferpool for the allocator, internal/wire for
// the BC_*/BR_* command codec, and internal/looper for the thread pool
// governor.
package binder
