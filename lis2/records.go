package lis2

import (
	"fmt"
	"time"

	"github.com/labcomm/go-astm/astm"
)

// Timestamp layouts per ASTM E1394 §6.6.2.
const (
	dateLayout     = "20060102"
	dateTimeLayout = "20060102150405"
)

// FormatTimestamp renders t in the E1394 date-and-time layout, or "" for
// the zero time.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.Format(dateTimeLayout)
}

// FormatDate renders t in the E1394 date layout, or "" for the zero time.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.Format(dateLayout)
}

// ParseTimestamp parses an E1394 date or date-and-time value. An empty
// value parses to the zero time without error.
func ParseTimestamp(v string) (time.Time, error) {
	switch len(v) {
	case 0:
		return time.Time{}, nil
	case len(dateLayout):
		return time.Parse(dateLayout, v)
	case len(dateTimeLayout):
		return time.Parse(dateTimeLayout, v)
	default:
		return time.Time{}, fmt.Errorf("lis2: invalid timestamp %q", v)
	}
}

// wrongTypeErr reports a record offered to the parser of another kind.
func wrongTypeErr(want RecordType, rec astm.Record) error {
	return fmt.Errorf("lis2: record type %q, want %q", string(rec.Type()), string(want))
}

// Header is the message header record (E1394 §7).
type Header struct {
	// Delimiters is the delimiter set announced in the second field.
	Delimiters astm.Delimiters

	MessageID    string
	Password     string
	SenderName   string
	SenderAddr   string
	Phone        string
	Capabilities string
	ReceiverID   string
	Comments     string
	ProcessingID string // P (production), T (test) or D (debug)
	Version      string
	Timestamp    time.Time
}

// NewHeader returns a Header with the default delimiter set and production
// processing ID.
func NewHeader() *Header {
	return &Header{
		Delimiters:   astm.DefaultDelimiters(),
		ProcessingID: "P",
		Version:      "LIS2-A2",
	}
}

// ToRecord renders the header in positional form.
func (h *Header) ToRecord() astm.Record {
	return astm.NewRecord(astm.TypeHeader,
		h.Delimiters.HeaderField(),
		astm.F(h.MessageID),
		astm.F(h.Password),
		astm.F(h.SenderName),
		astm.F(h.SenderAddr),
		astm.F(""),
		astm.F(h.Phone),
		astm.F(h.Capabilities),
		astm.F(h.ReceiverID),
		astm.F(h.Comments),
		astm.F(h.ProcessingID),
		astm.F(h.Version),
		astm.F(FormatTimestamp(h.Timestamp)),
	)
}

// ParseHeader builds a Header from the positional form. The delimiter set
// is taken from d, which the caller obtained while decoding the record.
func ParseHeader(rec astm.Record, d astm.Delimiters) (*Header, error) {
	if rec.Type() != astm.TypeHeader {
		return nil, wrongTypeErr(TypeHeader, rec)
	}

	ts, err := ParseTimestamp(rec.Value(13))
	if err != nil {
		return nil, err
	}

	return &Header{
		Delimiters:   d,
		MessageID:    rec.Value(2),
		Password:     rec.Value(3),
		SenderName:   rec.Value(4),
		SenderAddr:   rec.Value(5),
		Phone:        rec.Value(7),
		Capabilities: rec.Value(8),
		ReceiverID:   rec.Value(9),
		Comments:     rec.Value(10),
		ProcessingID: rec.Value(11),
		Version:      rec.Value(12),
		Timestamp:    ts,
	}, nil
}

// Patient is the patient information record (E1394 §8).
type Patient struct {
	Sequence     int
	PracticeID   string
	LaboratoryID string
	PatientID    string
	LastName     string
	FirstName    string
	MaidenName   string
	BirthDate    time.Time
	Sex          string // M, F or U
	Race         string
	Address      string
	Phone        string
	PhysicianID  string
	Special1     string
	Special2     string
	Height       string
	Weight       string
	Diagnosis    string
	Medication   string
	Diet         string
}

// ToRecord renders the patient record in positional form. The name field
// carries last and first name as components.
func (p *Patient) ToRecord() astm.Record {
	return astm.NewRecord(astm.TypePatient,
		astm.F(fmt.Sprintf("%d", p.Sequence)),
		astm.F(p.PracticeID),
		astm.F(p.LaboratoryID),
		astm.F(p.PatientID),
		astm.F(p.LastName, p.FirstName),
		astm.F(p.MaidenName),
		astm.F(FormatDate(p.BirthDate)),
		astm.F(p.Sex),
		astm.F(p.Race),
		astm.F(p.Address),
		astm.F(""),
		astm.F(p.Phone),
		astm.F(p.PhysicianID),
		astm.F(p.Special1),
		astm.F(p.Special2),
		astm.F(p.Height),
		astm.F(p.Weight),
		astm.F(p.Diagnosis),
		astm.F(p.Medication),
		astm.F(p.Diet),
	)
}

// ParsePatient builds a Patient from the positional form.
func ParsePatient(rec astm.Record) (*Patient, error) {
	if rec.Type() != astm.TypePatient {
		return nil, wrongTypeErr(TypePatient, rec)
	}

	birth, err := ParseTimestamp(rec.Value(7))
	if err != nil {
		return nil, err
	}

	return &Patient{
		Sequence:     atoi(rec.Value(1)),
		PracticeID:   rec.Value(2),
		LaboratoryID: rec.Value(3),
		PatientID:    rec.Value(4),
		LastName:     rec.Component(5, 0),
		FirstName:    rec.Component(5, 1),
		MaidenName:   rec.Value(6),
		BirthDate:    birth,
		Sex:          rec.Value(8),
		Race:         rec.Value(9),
		Address:      rec.Value(10),
		Phone:        rec.Value(12),
		PhysicianID:  rec.Value(13),
		Special1:     rec.Value(14),
		Special2:     rec.Value(15),
		Height:       rec.Value(16),
		Weight:       rec.Value(17),
		Diagnosis:    rec.Value(18),
		Medication:   rec.Value(19),
		Diet:         rec.Value(20),
	}, nil
}

// Order is the test order record (E1394 §9).
type Order struct {
	Sequence     int
	SpecimenID   string
	InstrumentID string
	TestID       string
	Priority     string // S (stat), A (asap) or R (routine)
	RequestedAt  time.Time
	CollectedAt  time.Time
	CollectedEnd time.Time
	Volume       string
	CollectorID  string
	ActionCode   string
	DangerCode   string
	ClinicalInfo string
	ReceivedAt   time.Time
	Biomaterial  string
	PhysicianID  string
	Phone        string
}

// ToRecord renders the order record in positional form.
func (o *Order) ToRecord() astm.Record {
	return astm.NewRecord(astm.TypeOrder,
		astm.F(fmt.Sprintf("%d", o.Sequence)),
		astm.F(o.SpecimenID),
		astm.F(o.InstrumentID),
		astm.F("", "", "", o.TestID),
		astm.F(o.Priority),
		astm.F(FormatTimestamp(o.RequestedAt)),
		astm.F(FormatTimestamp(o.CollectedAt)),
		astm.F(FormatTimestamp(o.CollectedEnd)),
		astm.F(o.Volume),
		astm.F(o.CollectorID),
		astm.F(o.ActionCode),
		astm.F(o.DangerCode),
		astm.F(o.ClinicalInfo),
		astm.F(FormatTimestamp(o.ReceivedAt)),
		astm.F(o.Biomaterial),
		astm.F(o.PhysicianID),
		astm.F(o.Phone),
	)
}

// ParseOrder builds an Order from the positional form.
func ParseOrder(rec astm.Record) (*Order, error) {
	if rec.Type() != astm.TypeOrder {
		return nil, wrongTypeErr(TypeOrder, rec)
	}

	requested, err := ParseTimestamp(rec.Value(6))
	if err != nil {
		return nil, err
	}
	collected, err := ParseTimestamp(rec.Value(7))
	if err != nil {
		return nil, err
	}
	collectedEnd, err := ParseTimestamp(rec.Value(8))
	if err != nil {
		return nil, err
	}
	received, err := ParseTimestamp(rec.Value(14))
	if err != nil {
		return nil, err
	}

	return &Order{
		Sequence:     atoi(rec.Value(1)),
		SpecimenID:   rec.Value(2),
		InstrumentID: rec.Value(3),
		TestID:       testIDComponent(rec, 4),
		Priority:     rec.Value(5),
		RequestedAt:  requested,
		CollectedAt:  collected,
		CollectedEnd: collectedEnd,
		Volume:       rec.Value(9),
		CollectorID:  rec.Value(10),
		ActionCode:   rec.Value(11),
		DangerCode:   rec.Value(12),
		ClinicalInfo: rec.Value(13),
		ReceivedAt:   received,
		Biomaterial:  rec.Value(15),
		PhysicianID:  rec.Value(16),
		Phone:        rec.Value(17),
	}, nil
}

// Result is the test result record (E1394 §10).
type Result struct {
	Sequence     int
	TestID       string
	Value        string
	Units        string
	References   string
	AbnormalFlag string // N, A, H, L, HH or LL
	Nature       string
	Status       string // F (final), P (preliminary), C (corrected) or X
	NormsChanged time.Time
	OperatorID   string
	StartedAt    time.Time
	CompletedAt  time.Time
	InstrumentID string
}

// ToRecord renders the result record in positional form.
func (r *Result) ToRecord() astm.Record {
	return astm.NewRecord(astm.TypeResult,
		astm.F(fmt.Sprintf("%d", r.Sequence)),
		astm.F("", "", "", r.TestID),
		astm.F(r.Value),
		astm.F(r.Units),
		astm.F(r.References),
		astm.F(r.AbnormalFlag),
		astm.F(r.Nature),
		astm.F(r.Status),
		astm.F(FormatTimestamp(r.NormsChanged)),
		astm.F(r.OperatorID),
		astm.F(FormatTimestamp(r.StartedAt)),
		astm.F(FormatTimestamp(r.CompletedAt)),
		astm.F(r.InstrumentID),
	)
}

// ParseResult builds a Result from the positional form.
func ParseResult(rec astm.Record) (*Result, error) {
	if rec.Type() != astm.TypeResult {
		return nil, wrongTypeErr(TypeResult, rec)
	}

	normsChanged, err := ParseTimestamp(rec.Value(9))
	if err != nil {
		return nil, err
	}
	started, err := ParseTimestamp(rec.Value(11))
	if err != nil {
		return nil, err
	}
	completed, err := ParseTimestamp(rec.Value(12))
	if err != nil {
		return nil, err
	}

	return &Result{
		Sequence:     atoi(rec.Value(1)),
		TestID:       testIDComponent(rec, 2),
		Value:        rec.Value(3),
		Units:        rec.Value(4),
		References:   rec.Value(5),
		AbnormalFlag: rec.Value(6),
		Nature:       rec.Value(7),
		Status:       rec.Value(8),
		NormsChanged: normsChanged,
		OperatorID:   rec.Value(10),
		StartedAt:    started,
		CompletedAt:  completed,
		InstrumentID: rec.Value(13),
	}, nil
}

// Comment is the comment record (E1394 §11).
type Comment struct {
	Sequence int
	Source   string
	Text     string
	Kind     string // G (generic), I (instrument) or P (patient)
}

// ToRecord renders the comment record in positional form.
func (c *Comment) ToRecord() astm.Record {
	return astm.NewRecord(astm.TypeComment,
		astm.F(fmt.Sprintf("%d", c.Sequence)),
		astm.F(c.Source),
		astm.F(c.Text),
		astm.F(c.Kind),
	)
}

// ParseComment builds a Comment from the positional form.
func ParseComment(rec astm.Record) (*Comment, error) {
	if rec.Type() != astm.TypeComment {
		return nil, wrongTypeErr(TypeComment, rec)
	}

	return &Comment{
		Sequence: atoi(rec.Value(1)),
		Source:   rec.Value(2),
		Text:     rec.Value(3),
		Kind:     rec.Value(4),
	}, nil
}

// Query is the request-information record (E1394 §12), used by instruments
// to ask the host for orders belonging to a specimen.
type Query struct {
	Sequence   int
	PatientID  string
	SpecimenID string
	TestID     string
	// Status is the request status code in the record's last field,
	// commonly O (request orders) or F (request final results).
	Status string
}

// ToRecord renders the query record in positional form.
func (q *Query) ToRecord() astm.Record {
	return astm.NewRecord(astm.TypeQuery,
		astm.F(fmt.Sprintf("%d", q.Sequence)),
		astm.F(q.PatientID, q.SpecimenID),
		astm.F(""),
		astm.F("", "", "", q.TestID),
		astm.F(""),
		astm.F(""),
		astm.F(""),
		astm.F(""),
		astm.F(""),
		astm.F(""),
		astm.F(""),
		astm.F(q.Status),
	)
}

// ParseQuery builds a Query from the positional form.
func ParseQuery(rec astm.Record) (*Query, error) {
	if rec.Type() != astm.TypeQuery {
		return nil, wrongTypeErr(TypeQuery, rec)
	}

	return &Query{
		Sequence:   atoi(rec.Value(1)),
		PatientID:  rec.Component(2, 0),
		SpecimenID: rec.Component(2, 1),
		TestID:     testIDComponent(rec, 4),
		Status:     rec.Value(12),
	}, nil
}

// Terminator is the message terminator record (E1394 §13).
type Terminator struct {
	Sequence int
	// Code is N (normal), T (terminated) or Q (query follow-up).
	Code string
}

// NewTerminator returns a normal-termination record.
func NewTerminator() *Terminator {
	return &Terminator{Sequence: 1, Code: "N"}
}

// ToRecord renders the terminator record in positional form.
func (t *Terminator) ToRecord() astm.Record {
	return astm.NewRecord(astm.TypeTerminator,
		astm.F(fmt.Sprintf("%d", t.Sequence)),
		astm.F(t.Code),
	)
}

// ParseTerminator builds a Terminator from the positional form.
func ParseTerminator(rec astm.Record) (*Terminator, error) {
	if rec.Type() != astm.TypeTerminator {
		return nil, wrongTypeErr(TypeTerminator, rec)
	}

	return &Terminator{
		Sequence: atoi(rec.Value(1)),
		Code:     rec.Value(2),
	}, nil
}

// testIDComponent extracts the test name from a universal test ID field,
// whose fourth component carries the manufacturer's test code.
func testIDComponent(rec astm.Record, i int) string {
	if v := rec.Component(i, 3); v != "" {
		return v
	}

	return rec.Value(i)
}

func atoi(v string) int {
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return n
		}
		n = n*10 + int(c-'0')
	}

	return n
}
