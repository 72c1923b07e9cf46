package log

import "context"

// Nop returns a Logger that discards everything. Used in tests and as the
// FromContext fallback.
func Nop() Logger { return nop{} }

type nop struct{}

func (n nop) With(...any) Logger                         { return n }
func (nop) Debug(context.Context, string, ...any)        {}
func (nop) Info(context.Context, string, ...any)         {}
func (nop) Warn(context.Context, string, ...any)         {}
func (nop) Error(context.Context, error, string, ...any) {}
func (nop) Sync() error                                  { return nil }
