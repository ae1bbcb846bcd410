// Package domain holds the shared entities and closed enumerations of the
// entitlement core: licenses, sessions, banned devices, download tokens, and
// the audit trail. Entities carry their persistence column tags but no
// behavior beyond pure time arithmetic; all state transitions go through the
// store and service layers.
package domain
