// Package lock provides the exclusive lock backends a keepalive coordinator
// can run on: shared memory for processes on one host, flock files, Redis
// and S3 for processes spread over several hosts, and an in-memory locker
// that mirrors its state over a syncbus. Locks can have an optional TTL so a
// crashed holder does not block sweeps forever.
package lock
