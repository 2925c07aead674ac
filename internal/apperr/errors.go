// Package apperr defines the sentinel errors shared across the Perthro core.
package apperr

import "errors"

var (
	// ErrNotOpen is returned when a store operation is attempted before the
	// store finished opening or after it was closed.
	ErrNotOpen = errors.New("store not open")

	ErrNoSuchNote      = errors.New("no such note")
	ErrNoSuchChallenge = errors.New("no such challenge")
	ErrNoSuchAsset     = errors.New("no such asset")

	// ErrUnknownTemplate is returned when a challenge identifier points at a
	// template that is not in the store.
	ErrUnknownTemplate = errors.New("unknown challenge template")

	// ErrUnknownTemplateType is returned by the template registry when no
	// decoder is registered for a type tag.
	ErrUnknownTemplateType = errors.New("unknown challenge template type")
)
