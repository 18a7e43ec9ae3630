package repositories

import (
	"fmt"
	"strings"
)

// MaxDailyOrderSequence is the largest value that fits the six digit suffix of an order
// number.
const MaxDailyOrderSequence = 999_999

// CounterErrorCode classifies sequence allocation failures.
type CounterErrorCode string

const (
	CounterErrorInvalidInput CounterErrorCode = "counter_invalid_input"
	CounterErrorExhausted    CounterErrorCode = "counter_exhausted"
)

// CounterError reports why a sequence value could not be allocated for CounterID.
type CounterError struct {
	Code      CounterErrorCode
	CounterID string
	Value     int64
	Err       error
}

func (e *CounterError) Error() string {
	if e == nil {
		return ""
	}
	switch e.Code {
	case CounterErrorExhausted:
		return fmt.Sprintf("sequence %s exhausted at %d", e.CounterID, e.Value)
	case CounterErrorInvalidInput:
		return "sequence id is required"
	}
	return fmt.Sprintf("sequence %s: %s", e.CounterID, e.Code)
}

func (e *CounterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// CounterID trims id and rejects blanks.
func CounterID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", &CounterError{Code: CounterErrorInvalidInput}
	}
	return id, nil
}

// CheckDailyOrderSequence fails once a day's order counter passes the number format.
func CheckDailyOrderSequence(counterID string, value int64) error {
	if value > MaxDailyOrderSequence {
		return &CounterError{Code: CounterErrorExhausted, CounterID: counterID, Value: value}
	}
	return nil
}
