package app

import (
	"errors"
	"testing"
	"time"
)

func TestNewOperation(t *testing.T) {
	tests := []struct {
		name       string
		operation  string
		parameters string
	}{
		{
			name:       "with parameters",
			operation:  "Checkout",
			parameters: "PN1001",
		},
		{
			name:       "empty parameters",
			operation:  "ListResources",
			parameters: "",
		},
	}

	start := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := NewOperation(tt.operation, tt.parameters, start)

			if op.Name != tt.operation {
				t.Errorf("Name = %q, want %q", op.Name, tt.operation)
			}
			if op.Parameters != tt.parameters {
				t.Errorf("Parameters = %q, want %q", op.Parameters, tt.parameters)
			}
			if op.Status != "success" {
				t.Errorf("Status = %q, want %q", op.Status, "success")
			}
			if got := op.Elapsed(start.Add(2 * time.Second)); got != 2*time.Second {
				t.Errorf("Elapsed() = %v, want 2s", got)
			}
		})
	}
}

func TestOperation_Track(t *testing.T) {
	tests := []struct {
		name string
		errs []error
		want bool
	}{
		{name: "no steps", want: false},
		{name: "all succeed", errs: []error{nil, nil}, want: false},
		{name: "one fails", errs: []error{nil, errors.New("boom"), nil}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := NewOperation("Checkin", "", time.Time{})
			for _, err := range tt.errs {
				if got := op.Track(err); got != err {
					t.Errorf("Track() returned %v, want %v", got, err)
				}
			}
			if got := op.Failed(); got != tt.want {
				t.Errorf("Failed() = %v, want %v", got, tt.want)
			}
		})
	}
}
