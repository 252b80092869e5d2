package astm

import "errors"

var (
	// ErrMalformedRecord indicates that record text could not be encoded or
	// decoded: an incomplete or unknown escape sequence, or a reserved
	// control byte inside field text.
	ErrMalformedRecord = errors.New("astm: malformed record")

	// ErrInvalidDelimiters indicates a delimiter set that is not usable:
	// duplicate characters or control characters.
	ErrInvalidDelimiters = errors.New("astm: invalid delimiter set")

	// ErrInvalidMessage indicates a record sequence that does not form a
	// valid message (missing header or terminator record).
	ErrInvalidMessage = errors.New("astm: invalid message")
)
