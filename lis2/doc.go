// Package lis2 provides typed views over the flat clinical record model in
// package astm, following the field layouts of ASTM E1394 (LIS2-A2).
//
// Each record kind (Header, Patient, Order, Result, Comment, Query,
// Terminator) has a struct with named fields, a ToRecord method producing
// the positional form, and a matching parse function for the reverse
// direction. Unknown or trailing fields are preserved only in the
// positional form; the typed structs carry the standard layout.
//
// The Registry dispatches the records of a received message to handlers
// keyed by record type, and adapts directly onto an e1381 connection.
package lis2
