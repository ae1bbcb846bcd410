// Package license implements the entitlement core: deciding whether a
// (license key, device) pair may operate.
//
// The Validator orchestrates every validation attempt: ban check, license
// state, session upsert, duplicate evaluation, and the resulting side
// effects (grace consumption, device ban, audit trail, owner notification).
// The Detector holds the concurrent-use policy and nothing else, so the
// business rule about tolerated simultaneous devices stays unit-testable
// without persistence.
//
// Correctness under concurrent validation does not come from in-process
// locks. Every state transition is a conditional write in the store layer
// (upsert on (license_key, device_id), compare-and-swap on the grace flag),
// and the detector is evaluated against a post-write read. Two racing
// devices therefore resolve deterministically: at most one consumes the
// grace, the loser of that swap escalates to a deny.
package license
