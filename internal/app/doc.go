// Package app provides application initialization and lifecycle
// management for the entitlement service. It wires configuration,
// logging, persistence, services, and the HTTP surface together at
// startup and coordinates graceful shutdown.
//
// # Initialization Flow
//
// The typical initialization sequence:
//
//	1. Load configuration from environment and files
//	2. Initialize logging
//	3. Open the database and create repositories
//	4. Initialize services with their dependencies
//	5. Set up HTTP handlers and middleware
//	6. Configure the HTTP server
//
// # Graceful Shutdown
//
// The package handles SIGINT and SIGTERM to ensure active requests
// complete, queued audit entries are flushed, and the database handle
// is closed. Initialization errors are returned to the caller; the
// package never calls os.Exit directly.
package app
