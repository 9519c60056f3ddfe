// Package protocol implements the Wyoming wire format: one newline-terminated
// JSON header per event, optionally followed by exactly payload_length raw
// bytes. The event set is closed; required fields are validated at decode
// time so session logic never sees a half-formed event.
package protocol
