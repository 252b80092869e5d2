package lis2

import "github.com/labcomm/go-astm/astm"

// RecordType identifies the kind of an E1394 record.
type RecordType byte

const (
	TypeHeader     = RecordType(astm.TypeHeader)
	TypePatient    = RecordType(astm.TypePatient)
	TypeOrder      = RecordType(astm.TypeOrder)
	TypeResult     = RecordType(astm.TypeResult)
	TypeComment    = RecordType(astm.TypeComment)
	TypeQuery      = RecordType(astm.TypeQuery)
	TypeScientific = RecordType(astm.TypeScientific)
	TypeManufact   = RecordType(astm.TypeManufacturer)
	TypeTerminator = RecordType(astm.TypeTerminator)
)

func (t RecordType) String() string {
	switch t {
	case TypeHeader:
		return "header"
	case TypePatient:
		return "patient"
	case TypeOrder:
		return "order"
	case TypeResult:
		return "result"
	case TypeComment:
		return "comment"
	case TypeQuery:
		return "query"
	case TypeScientific:
		return "scientific"
	case TypeManufact:
		return "manufacturer"
	case TypeTerminator:
		return "terminator"
	default:
		return "unknown"
	}
}
