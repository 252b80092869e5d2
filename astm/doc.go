// Package astm provides the ASTM E1394 record data model and text codec used
// by clinical laboratory instruments and host systems.
//
// An ASTM record is a three-level nested text structure: a record is an
// ordered sequence of fields, a field is an ordered sequence of repeats, and
// a repeat is an ordered sequence of components. The four delimiter
// characters that separate these levels are negotiated per session and
// carried explicitly as a Delimiters value; there is no global delimiter
// state, so sessions with different delimiter sets can coexist.
//
// The codec in this package is pure text transformation. Framing, checksums
// and the transfer handshake live in the e1381 package.
package astm
