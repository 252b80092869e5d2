package astm

import (
	"bytes"
	"fmt"
)

// recordTerminator ends every encoded record. A trailing LF after it is
// tolerated on decode but never produced on encode.
const recordTerminator = '\r'

// Escape codes of ASTM E1394 §6.5. An escape sequence is the escape
// delimiter, a one-character code, and the escape delimiter again,
// e.g. `&F&` for a literal field separator under the default set.
const (
	escCodeField     = 'F'
	escCodeRepeat    = 'R'
	escCodeComponent = 'S'
	escCodeEscape    = 'E'
)

// EncodeRecord encodes a record into its CR-terminated text form using the
// given delimiter set.
//
// Components are joined by the component separator, repeats by the repeat
// separator and fields by the field separator. Literal delimiter characters
// inside component text are escaped. Reserved control bytes in component
// text are rejected with ErrMalformedRecord.
//
// The delimiter-definition field of a header record (field index 1) is
// written verbatim, since it consists of the delimiter characters themselves.
func EncodeRecord(rec Record, d Delimiters) ([]byte, error) {
	if len(rec) == 0 {
		return nil, fmt.Errorf("%w: empty record", ErrMalformedRecord)
	}

	var buf bytes.Buffer

	isHeader := rec.Type() == TypeHeader

	for i, field := range rec {
		if i > 0 {
			buf.WriteByte(d.Field)
		}

		if isHeader && i == 1 {
			// Delimiter announcement, copied as-is.
			buf.WriteString(rec.Component(i, 0))
			continue
		}

		if err := encodeField(&buf, field, d); err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
	}

	buf.WriteByte(recordTerminator)

	return buf.Bytes(), nil
}

func encodeField(buf *bytes.Buffer, field Field, d Delimiters) error {
	for ri, rep := range field {
		if ri > 0 {
			buf.WriteByte(d.Repeat)
		}

		for ci, comp := range rep {
			if ci > 0 {
				buf.WriteByte(d.Component)
			}

			if err := escapeText(buf, comp, d); err != nil {
				return err
			}
		}
	}

	return nil
}

// escapeText writes s to buf, replacing literal delimiter characters with
// their escape sequences. Control bytes are reserved for framing and are
// rejected.
func escapeText(buf *bytes.Buffer, s string, d Delimiters) error {
	for i := 0; i < len(s); i++ {
		c := s[i]

		var code byte
		switch c {
		case d.Field:
			code = escCodeField
		case d.Repeat:
			code = escCodeRepeat
		case d.Component:
			code = escCodeComponent
		case d.Escape:
			code = escCodeEscape
		default:
			if c < 0x20 || c == 0x7F {
				return fmt.Errorf("%w: control byte 0x%02X in field text", ErrMalformedRecord, c)
			}

			buf.WriteByte(c)
			continue
		}

		buf.WriteByte(d.Escape)
		buf.WriteByte(code)
		buf.WriteByte(d.Escape)
	}

	return nil
}

// DecodeRecord decodes one record's text (with or without its trailing
// CR/CRLF) into a Record using the given delimiter set.
//
// It fails with ErrMalformedRecord when an escape sequence is incomplete or
// unknown, or when a reserved control byte appears unescaped inside a field.
func DecodeRecord(text []byte, d Delimiters) (Record, error) {
	text = trimRecordTerminator(text)
	if len(text) == 0 {
		return nil, fmt.Errorf("%w: empty record text", ErrMalformedRecord)
	}

	fieldTexts := bytes.Split(text, []byte{d.Field})
	rec := make(Record, 0, len(fieldTexts))

	isHeader := false
	if first := fieldTexts[0]; len(first) > 0 && first[len(first)-1] == TypeHeader {
		isHeader = true
	}

	for i, ft := range fieldTexts {
		if isHeader && i == 1 {
			// Delimiter announcement, kept literal.
			rec = append(rec, Field{Repeat{string(ft)}})
			continue
		}

		field, err := decodeField(ft, d)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}

		rec = append(rec, field)
	}

	return rec, nil
}

func decodeField(text []byte, d Delimiters) (Field, error) {
	repTexts := bytes.Split(text, []byte{d.Repeat})
	field := make(Field, 0, len(repTexts))

	for _, rt := range repTexts {
		compTexts := bytes.Split(rt, []byte{d.Component})
		rep := make(Repeat, 0, len(compTexts))

		for _, ct := range compTexts {
			comp, err := unescapeText(ct, d)
			if err != nil {
				return nil, err
			}

			rep = append(rep, comp)
		}

		field = append(field, rep)
	}

	return field, nil
}

// unescapeText is the inverse of escapeText.
func unescapeText(text []byte, d Delimiters) (string, error) {
	if bytes.IndexByte(text, d.Escape) < 0 {
		if i := indexControlByte(text); i >= 0 {
			return "", fmt.Errorf("%w: unescaped control byte 0x%02X", ErrMalformedRecord, text[i])
		}

		return string(text), nil
	}

	var out bytes.Buffer

	for i := 0; i < len(text); i++ {
		c := text[i]

		if c != d.Escape {
			if c < 0x20 || c == 0x7F {
				return "", fmt.Errorf("%w: unescaped control byte 0x%02X", ErrMalformedRecord, c)
			}

			out.WriteByte(c)
			continue
		}

		if i+2 >= len(text) || text[i+2] != d.Escape {
			return "", fmt.Errorf("%w: incomplete escape sequence", ErrMalformedRecord)
		}

		switch text[i+1] {
		case escCodeField:
			out.WriteByte(d.Field)
		case escCodeRepeat:
			out.WriteByte(d.Repeat)
		case escCodeComponent:
			out.WriteByte(d.Component)
		case escCodeEscape:
			out.WriteByte(d.Escape)
		default:
			return "", fmt.Errorf("%w: unknown escape code %q", ErrMalformedRecord, text[i+1])
		}

		i += 2
	}

	return out.String(), nil
}

func indexControlByte(text []byte) int {
	for i, c := range text {
		if c < 0x20 || c == 0x7F {
			return i
		}
	}

	return -1
}

func trimRecordTerminator(text []byte) []byte {
	text = bytes.TrimSuffix(text, []byte{'\n'})
	text = bytes.TrimSuffix(text, []byte{recordTerminator})

	return text
}

// EncodeMessage encodes all records of a message into one contiguous payload
// text, each record terminated by CR.
func EncodeMessage(m Message, d Delimiters) ([]byte, error) {
	var buf bytes.Buffer

	for i, rec := range m {
		text, err := EncodeRecord(rec, d)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}

		buf.Write(text)
	}

	return buf.Bytes(), nil
}

// DecodeText decodes a payload of CR-terminated record texts into a Message.
// Empty segments (e.g. a trailing terminator or a CRLF pair) are skipped.
func DecodeText(payload []byte, d Delimiters) (Message, error) {
	var msg Message

	for _, part := range bytes.Split(payload, []byte{recordTerminator}) {
		part = bytes.TrimPrefix(part, []byte{'\n'})
		if len(part) == 0 {
			continue
		}

		rec, err := DecodeRecord(part, d)
		if err != nil {
			return nil, err
		}

		msg = append(msg, rec)
	}

	return msg, nil
}
