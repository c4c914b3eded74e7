// Package scheduler runs the periodic keepalive sweep of one process.
//
// Every process owns a single timer. When it fires the scheduler tries the
// shared lock; the winner checks the target queue and, when there is work,
// hands a fresh sweep.Sweep to the probe operation. The probe resolves the
// sweep's token when it is done and the scheduler then releases the sweep
// and the lock and arms the next firing one interval after that moment.
//
// All timer and completion handling happens on the goroutine running Run,
// so the scheduler state needs no locking beyond the status snapshot.
package scheduler
