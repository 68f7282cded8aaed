// Package state provides the SQL ticket store and the filesystem-backed
// stream audit log.
package state

import "github.com/user/ticketdesk/internal/types"

// Compile-time interface compliance checks.
var _ types.TicketAdmin = (*TicketStore)(nil)
var _ types.AuditLog = (*AuditLog)(nil)
