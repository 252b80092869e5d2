package astm

// Record type characters defined by ASTM E1394 §7 through §14.
// The first field of every record carries one of these single characters.
const (
	TypeHeader       byte = 'H'
	TypePatient      byte = 'P'
	TypeOrder        byte = 'O'
	TypeResult       byte = 'R'
	TypeComment      byte = 'C'
	TypeQuery        byte = 'Q'
	TypeScientific   byte = 'S'
	TypeManufacturer byte = 'M'
	TypeTerminator   byte = 'L'
)

// Repeat is one repeat of a field: an ordered sequence of components.
type Repeat []string

// Field is an ordered sequence of repeats. Most fields carry a single repeat.
type Field []Repeat

// Record is an ordered sequence of fields. The first field identifies the
// record type. Records are value types; once encoded they are not mutated.
type Record []Field

// F builds a single-repeat field from component values.
func F(components ...string) Field {
	if len(components) == 0 {
		return Field{Repeat{""}}
	}

	return Field{Repeat(components)}
}

// R builds a multi-repeat field from repeats.
func R(repeats ...Repeat) Field {
	return Field(repeats)
}

// NewRecord builds a record of the given type character followed by fields.
func NewRecord(typ byte, fields ...Field) Record {
	rec := make(Record, 0, len(fields)+1)
	rec = append(rec, F(string(typ)))
	rec = append(rec, fields...)

	return rec
}

// Type returns the record's type character, or 0 for an empty record.
// For header records the type is the last character of the first field,
// tolerating instruments that prefix a frame sequence remnant.
func (r Record) Type() byte {
	v := r.Component(0, 0)
	if v == "" {
		return 0
	}

	return v[len(v)-1]
}

// Component returns the first repeat's j-th component of field i,
// or "" when the field or component does not exist.
func (r Record) Component(i, j int) string {
	if i < 0 || i >= len(r) || len(r[i]) == 0 {
		return ""
	}

	rep := r[i][0]
	if j < 0 || j >= len(rep) {
		return ""
	}

	return rep[j]
}

// Value returns the first repeat's first component of field i.
func (r Record) Value(i int) string {
	return r.Component(i, 0)
}

// Message is the application-level unit of exchange: the record span from a
// header record to a terminator record, transferred by exactly one
// ENQ...EOT transaction.
type Message []Record

// Validate checks the header/terminator envelope of the message.
func (m Message) Validate() error {
	if len(m) == 0 {
		return ErrInvalidMessage
	}

	if m[0].Type() != TypeHeader {
		return ErrInvalidMessage
	}

	if m[len(m)-1].Type() != TypeTerminator {
		return ErrInvalidMessage
	}

	return nil
}
