// Package batch fans a per-symbol operation out over a list of symbols.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
)

// SymbolError is a failure isolated to one symbol of a batch.
type SymbolError struct {
	Symbol string
	Err    error
}

func (e SymbolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Symbol, e.Err)
}

func (e SymbolError) Unwrap() error {
	return e.Err
}

// MarshalJSON renders the error as text.
func (e SymbolError) MarshalJSON() ([]byte, error) {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		Symbol string `json:"symbol"`
		Error  string `json:"error"`
	}{e.Symbol, msg})
}

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Run calls fn once per symbol, each in its own goroutine, and waits for all of
// them. Results keep input order. A nil result with a nil error means no signal
// and is dropped. Errors and panics stay with their symbol.
func Run[T any](ctx context.Context, symbols []string, fn func(ctx context.Context, symbol string) (*T, error)) ([]T, []SymbolError) {
	type outcome struct {
		value *T
		err   error
	}
	outcomes := make([]outcome, len(symbols))

	var wg sync.WaitGroup
	for i, symbol := range symbols {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					outcomes[i] = outcome{err: &PanicError{Value: r, Stack: debug.Stack()}}
				}
			}()
			v, err := fn(ctx, symbol)
			outcomes[i] = outcome{value: v, err: err}
		}()
	}
	wg.Wait()

	var (
		results []T
		errs    []SymbolError
	)
	for i, o := range outcomes {
		switch {
		case o.err != nil:
			errs = append(errs, SymbolError{Symbol: symbols[i], Err: o.err})
		case o.value != nil:
			results = append(results, *o.value)
		}
	}
	return results, errs
}
