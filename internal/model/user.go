package model

import "time"

// User is an account from the `users` table.  The reservation core only
// reads it to link a booking to an account by contact email; accounts are
// created and maintained elsewhere.
//
// Fields:
//
//	ID        – primary key identifier of the user.
//	Email     – unique, lower-cased email address.
//	Role      – CUSTOMER, OPERATOR or ADMIN.
//	IsActive  – inactive accounts are never linked to new bookings.
//	CreatedAt – timestamp of creation.
type User struct {
	ID        uint64    // users.id
	Email     string    // users.email
	Role      string    // users.role
	IsActive  bool      // users.is_active
	CreatedAt time.Time // users.created_at
}

// RoleAdmin may cancel any booking and confirm counter payments.
const RoleAdmin = "ADMIN"
