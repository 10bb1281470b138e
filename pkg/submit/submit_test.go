package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	netErr := errors.New("connection refused")

	tests := []struct {
		name string
		res  Result
		err  error
		want Outcome
	}{
		{"success", Result{Success: true}, nil, Delivered},
		{"result 400", Result{Error: &ResultError{Status: 400}}, nil, Rejected},
		{"result 404", Result{Error: &ResultError{Status: 404}}, nil, Rejected},
		{"result 499", Result{Error: &ResultError{Status: 499}}, nil, Rejected},
		{"result 500", Result{Error: &ResultError{Status: 500}}, nil, Transient},
		{"result 503", Result{Error: &ResultError{Status: 503}}, nil, Transient},
		{"result without status", Result{Error: &ResultError{Message: "nope"}}, nil, Transient},
		{"failure without error detail", Result{}, nil, Transient},
		{"network error", Result{}, netErr, Transient},
		{"status error 422", Result{}, &StatusError{Status: 422, Err: netErr}, Rejected},
		{"wrapped status error 409", Result{}, fmt.Errorf("post: %w", &StatusError{Status: 409}), Rejected},
		{"status error 502", Result{}, &StatusError{Status: 502}, Transient},
		{"success with error is not delivered", Result{Success: true}, netErr, Transient},
		{"status 399", Result{Error: &ResultError{Status: 399}}, nil, Transient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.res, tt.err))
		})
	}
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, 0, StatusOf(nil))
	assert.Equal(t, 0, StatusOf(errors.New("plain")))
	assert.Equal(t, 418, StatusOf(fmt.Errorf("wrap: %w", &StatusError{Status: 418})))
}

func TestStatusPrefersError(t *testing.T) {
	res := Result{Error: &ResultError{Status: 500}}
	assert.Equal(t, 500, Status(res, nil))
	assert.Equal(t, 404, Status(res, &StatusError{Status: 404}))
	assert.Equal(t, 0, Status(Result{}, nil))
}

func TestStatusError(t *testing.T) {
	inner := errors.New("boom")
	err := &StatusError{Status: 503, Err: inner}

	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "submit: status 503: boom", err.Error())
	assert.Equal(t, "submit: status 400", (&StatusError{Status: 400}).Error())
}

func TestSubmitterFunc(t *testing.T) {
	var got json.RawMessage
	s := SubmitterFunc(func(_ context.Context, payload json.RawMessage) (Result, error) {
		got = payload
		return Result{Success: true}, nil
	})

	res, err := s.Submit(context.Background(), json.RawMessage(`{"a":1}`))
	assert.NoError(t, err)
	assert.True(t, res.Success)
	assert.JSONEq(t, `{"a":1}`, string(got))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "delivered", Delivered.String())
	assert.Equal(t, "rejected", Rejected.String())
	assert.Equal(t, "transient", Transient.String())
	assert.Equal(t, "outcome(9)", Outcome(9).String())
}
