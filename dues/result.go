package dues

import "encoding/json"

// Result is the envelope every exposed operation answers with.
// Failures are carried as data, never as a panic past the operation boundary.
type Result[T any] struct {
	Success   bool
	Data      T
	Error     string
	ErrorKind ErrorKind
}

// NewResult wraps an operation outcome.
func NewResult[T any](data T, err error) Result[T] {
	if err != nil {
		return Result[T]{Success: false, Error: err.Error(), ErrorKind: KindOf(err)}
	}
	return Result[T]{Success: true, Data: data}
}

// MarshalJSON emits {success, data} or {success, error, errorKind}, never both.
func (r Result[T]) MarshalJSON() ([]byte, error) {
	if !r.Success {
		return json.Marshal(struct {
			Success   bool      `json:"success"`
			Error     string    `json:"error"`
			ErrorKind ErrorKind `json:"errorKind"`
		}{false, r.Error, r.ErrorKind})
	}
	return json.Marshal(struct {
		Success bool `json:"success"`
		Data    T    `json:"data"`
	}{true, r.Data})
}
