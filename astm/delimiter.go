package astm

import (
	"fmt"
)

// Delimiters holds the four delimiter characters of an ASTM session.
//
// Per ASTM E1394 §6.4 the header record announces the delimiter set in use;
// the default set is `|` (field), `\` (repeat), `^` (component) and `&`
// (escape). All codec functions take the set explicitly so that sessions
// with different delimiter sets can coexist.
type Delimiters struct {
	// Field separates fields within a record.
	Field byte
	// Repeat separates repeats within a field.
	Repeat byte
	// Component separates components within a repeat.
	Component byte
	// Escape introduces an escape sequence for literal delimiter characters.
	Escape byte
}

// DefaultDelimiters returns the standard ASTM E1394 delimiter set.
func DefaultDelimiters() Delimiters {
	return Delimiters{Field: '|', Repeat: '\\', Component: '^', Escape: '&'}
}

// Validate checks that all four delimiters are distinct printable characters
// and do not collide with the protocol's reserved control bytes.
func (d Delimiters) Validate() error {
	chars := [4]byte{d.Field, d.Repeat, d.Component, d.Escape}

	for i, c := range chars {
		if c < 0x20 || c == 0x7F {
			return fmt.Errorf("%w: delimiter 0x%02X is a control character", ErrInvalidDelimiters, c)
		}

		for j := i + 1; j < len(chars); j++ {
			if c == chars[j] {
				return fmt.Errorf("%w: duplicate delimiter %q", ErrInvalidDelimiters, c)
			}
		}
	}

	return nil
}

// headerValue renders the delimiter announcement carried in the second field
// of a header record, e.g. `\^&` for the default set. The field separator
// itself precedes the announcement on the wire and is not part of it.
func (d Delimiters) headerValue() string {
	return string([]byte{d.Repeat, d.Component, d.Escape})
}

// HeaderField returns the delimiter-definition value for a header record's
// second field, using the receiver's delimiter set.
func (d Delimiters) HeaderField() Field {
	return F(d.headerValue())
}
