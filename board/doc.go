// Package board orchestrates sessions against a MicroPython board reached
// through the mpy-wrapper helper subprocess.
//
// The package is organized into focused modules:
//   - session.go: Session facade and core request/response handling
//   - supervisor.go: helper process lifecycle and respawn after hard reset
//   - queue.go: single-slot FIFO serializing operations onto the helper
//   - operation.go: operation kinds, typed results, request records
//   - parse.go: per-operation stream consumers
//   - protocol.go: wire tokens and request encoding
//   - rtc.go: RTC tuple codec
//   - lock.go: per-device advisory file lock
//   - session_interface.go: interfaces for testing
//   - mock_session.go: mock session for testing
package board
