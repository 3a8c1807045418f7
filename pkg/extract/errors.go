package extract

import (
	"errors"
	"fmt"

	"github.com/blacktop/dyldex/pkg/dyld"
	"github.com/blacktop/dyldex/pkg/macho"
)

// FormatError reports cache content that cannot be decoded. It is always fatal.
type FormatError struct {
	Msg string
	Err error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FormatError) Unwrap() error { return e.Err }

// AddressResolutionError reports a pointer whose target lies in no cache mapping.
type AddressResolutionError struct {
	Addr uint64 // decoded target
	Slot uint64 // where the pointer is stored
}

func (e *AddressResolutionError) Error() string {
	return fmt.Sprintf("pointer at %#x targets unmapped address %#x", e.Slot, e.Addr)
}

// SymbolResolutionError reports a reference into another image that could not be named.
type SymbolResolutionError struct {
	Addr uint64 // target
	Slot uint64 // stub, pointer or instruction referencing it
	Msg  string
}

func (e *SymbolResolutionError) Error() string {
	msg := fmt.Sprintf("unable to resolve symbol for %#x referenced at %#x", e.Addr, e.Slot)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	return msg
}

// StructuralInvariantError reports an output layout that would not be a valid image.
type StructuralInvariantError struct {
	Msg string
}

func (e *StructuralInvariantError) Error() string { return e.Msg }

func invariantf(format string, args ...any) error {
	return &StructuralInvariantError{Msg: fmt.Sprintf(format, args...)}
}

// IsFatal reports whether err aborts an extraction run.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var are *AddressResolutionError
	var sre *SymbolResolutionError
	return !errors.As(err, &are) && !errors.As(err, &sre)
}

// asFormatError wraps decoding failures from the cache and image parsers.
func asFormatError(msg string, err error) error {
	var dfe *dyld.FormatError
	var mfe *macho.FormatError
	if errors.As(err, &dfe) || errors.As(err, &mfe) {
		return &FormatError{Msg: msg, Err: err}
	}
	return err
}
