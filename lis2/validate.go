package lis2

import (
	"errors"
	"fmt"

	"github.com/labcomm/go-astm/astm"
)

// Validator checks a complete message before it is dispatched or sent.
type Validator func(msg astm.Message) error

// ErrInvalidEnvelope reports a message that violates the header/terminator
// envelope or the record numbering rules.
var ErrInvalidEnvelope = errors.New("lis2: invalid message envelope")

// ValidateMessage checks the structural rules every E1394 message obeys:
// exactly one header record first, exactly one terminator record last, and
// hierarchical sequence numbers counting up from 1. Patient records number
// through the message, order records restart at 1 under each patient, result
// records restart at 1 under each order.
//
// It does not check field contents; typed parsers and application handlers
// own those.
func ValidateMessage(msg astm.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}

	patientSeq, orderSeq, resultSeq := 0, 0, 0

	for i, rec := range msg[1 : len(msg)-1] {
		typ := RecordType(rec.Type())

		switch typ {
		case TypeHeader, TypeTerminator:
			return fmt.Errorf("%w: %s record at position %d", ErrInvalidEnvelope, typ, i+1)

		case TypePatient:
			patientSeq++
			orderSeq, resultSeq = 0, 0
			if got := atoi(rec.Value(1)); got != patientSeq {
				return fmt.Errorf("%w: patient sequence %d, want %d", ErrInvalidEnvelope, got, patientSeq)
			}

		case TypeOrder:
			orderSeq++
			resultSeq = 0
			if got := atoi(rec.Value(1)); got != orderSeq {
				return fmt.Errorf("%w: order sequence %d, want %d", ErrInvalidEnvelope, got, orderSeq)
			}

		case TypeResult:
			resultSeq++
			if got := atoi(rec.Value(1)); got != resultSeq {
				return fmt.Errorf("%w: result sequence %d, want %d", ErrInvalidEnvelope, got, resultSeq)
			}
		}
	}

	return nil
}
