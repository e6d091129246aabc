package domain

// ResultKind tags how a Result was produced.
type ResultKind uint8

const (
	ResultOK ResultKind = iota
	ResultFallback
	ResultErr
)

func (k ResultKind) String() string {
	switch k {
	case ResultOK:
		return "ok"
	case ResultFallback:
		return "fallback"
	default:
		return "error"
	}
}

// Result carries a value together with whether it came from the primary path,
// a documented fallback, or failed outright.
type Result[T any] struct {
	Value  T
	Kind   ResultKind
	Reason string
}

func Ok[T any](v T) Result[T] { return Result[T]{Value: v, Kind: ResultOK} }

func Fallback[T any](v T, reason string) Result[T] {
	return Result[T]{Value: v, Kind: ResultFallback, Reason: reason}
}

func Err[T any](reason string) Result[T] { return Result[T]{Kind: ResultErr, Reason: reason} }

// Usable reports whether Value may be used (OK or Fallback).
func (r Result[T]) Usable() bool { return r.Kind != ResultErr }
