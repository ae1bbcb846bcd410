// Package http implements the HTTP handlers for the entitlement service.
// Handlers stay thin: they parse and validate the request, call the
// service layer, and translate the outcome into a response. All errors
// render as RFC 7807 problem details.
//
// A typical request flows through these layers:
//
//	HTTP Request → Chi Router → Middleware → Handler → Service → Store
//	                                              ↓
//	HTTP Response ← Handler ← Service Result ←───┘
//
// Storage faults are the one error class a handler retries before
// answering: a bounded backoff loop runs the service call again, and
// only after exhausting it does the client see a 503. Business denials
// are never retried.
package http
