package api

// Outcome is the result of a call across the sandbox boundary: either a value
// or an error message, never a panic.
type Outcome[T any] struct {
	Value T      `json:"value,omitempty"`
	Err   string `json:"$error,omitempty"`
	ok    bool
}

// Success wraps a value.
func Success[T any](v T) Outcome[T] {
	return Outcome[T]{Value: v, ok: true}
}

// Failure wraps an error message.
func Failure[T any](msg string) Outcome[T] {
	return Outcome[T]{Err: msg}
}

// OK reports whether the outcome carries a value.
func (o Outcome[T]) OK() bool {
	return o.ok
}

// Unwrap returns the value or the failure as an error.
func (o Outcome[T]) Unwrap() (T, error) {
	if o.ok {
		return o.Value, nil
	}
	var zero T
	return zero, outcomeError(o.Err)
}

type outcomeError string

func (e outcomeError) Error() string { return string(e) }
