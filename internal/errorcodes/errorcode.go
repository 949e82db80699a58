// Package errorcodes defines the error codes of the expansion protocol.
// ProtocolError holds the two-character code and human-readable description.
package errorcodes

// Predefined protocol error instances.
var (
	Err00 = ProtocolError{"00", "No error"}
	Err15 = ProtocolError{
		"15",
		"Invalid input data (invalid format, invalid characters, or not enough data provided)",
	}
	Err30 = ProtocolError{"30", "Unknown attribute or package"}
	Err41 = ProtocolError{"41", "Plugin failure: load, trap or malformed result"}
	Err68 = ProtocolError{"68", "Command has been disabled"}
)

// ProtocolError represents a protocol error with its code and description.
type ProtocolError struct {
	Code        string // two-character error code
	Description string // human-readable description
}

// Error implements the Go error interface: "<Code>: <Description>".
func (e ProtocolError) Error() string {
	return e.Code + ": " + e.Description
}

// CodeOnly returns only the error code (e.g., "68"), for embedding in responses.
func (e ProtocolError) CodeOnly() string {
	return e.Code
}
