package lis2

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labcomm/go-astm/astm"
)

func dispatchTestMessage() astm.Message {
	return astm.Message{
		NewHeader().ToRecord(),
		(&Patient{Sequence: 1, PatientID: "PID-1"}).ToRecord(),
		(&Result{Sequence: 1, TestID: "GLU", Value: "5.4"}).ToRecord(),
		(&Result{Sequence: 2, TestID: "ALB", Value: "42"}).ToRecord(),
		NewTerminator().ToRecord(),
	}
}

func TestRegistry_DispatchRoutesByType(t *testing.T) {
	var patients, results []string

	reg := NewRegistry().
		Handle(TypePatient, func(rec astm.Record, _ astm.Message) error {
			p, err := ParsePatient(rec)
			if err != nil {
				return err
			}
			patients = append(patients, p.PatientID)

			return nil
		}).
		Handle(TypeResult, func(rec astm.Record, _ astm.Message) error {
			r, err := ParseResult(rec)
			if err != nil {
				return err
			}
			results = append(results, r.TestID)

			return nil
		})

	require.NoError(t, reg.Dispatch(dispatchTestMessage()))

	assert.Equal(t, []string{"PID-1"}, patients)
	assert.Equal(t, []string{"GLU", "ALB"}, results)
}

func TestRegistry_FallbackSeesUnhandledRecords(t *testing.T) {
	var unhandled []RecordType

	reg := NewRegistry().
		Handle(TypeResult, func(astm.Record, astm.Message) error { return nil }).
		SetFallback(func(rec astm.Record, _ astm.Message) error {
			unhandled = append(unhandled, RecordType(rec.Type()))

			return nil
		})

	require.NoError(t, reg.Dispatch(dispatchTestMessage()))

	assert.Equal(t, []RecordType{TypeHeader, TypePatient, TypeTerminator}, unhandled)
}

func TestRegistry_DispatchStopsAtFirstError(t *testing.T) {
	boom := errors.New("boom")
	resultSeen := false

	reg := NewRegistry().
		Handle(TypePatient, func(astm.Record, astm.Message) error { return boom }).
		Handle(TypeResult, func(astm.Record, astm.Message) error {
			resultSeen = true

			return nil
		})

	err := reg.Dispatch(dispatchTestMessage())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "patient")
	assert.False(t, resultSeen)
}

func TestRegistry_HandlerGetsWholeMessage(t *testing.T) {
	msg := dispatchTestMessage()

	reg := NewRegistry().
		Handle(TypeResult, func(_ astm.Record, got astm.Message) error {
			assert.Len(t, got, len(msg))

			return nil
		})

	require.NoError(t, reg.Dispatch(msg))
}

func TestRegistry_NoHandlersIsNoop(t *testing.T) {
	require.NoError(t, NewRegistry().Dispatch(dispatchTestMessage()))
}
