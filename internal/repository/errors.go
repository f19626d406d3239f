// Package repository defines the persistence contracts of the reservation
// core and their MySQL and in-memory implementations.  The sentinel errors
// below let the engine tell a missing row from a lost race without knowing
// which backend produced it.
package repository

import "errors"

// ErrNotFound is returned when the requested trip, booking, payment or user
// does not exist.
var ErrNotFound = errors.New("not found")

// ErrTxConflict is returned when a transaction lost a race with a concurrent
// writer (deadlock or lock wait timeout).  The whole transaction was rolled
// back and may be retried from the start.
var ErrTxConflict = errors.New("transaction conflict")

// ErrDuplicate is returned when an insert violates a unique key, such as a
// ticket code or order code that is already taken.
var ErrDuplicate = errors.New("duplicate key")
