package tokenizer

import "errors"

var (
	// ErrTokenizerUninitialized is returned by New when the supplied
	// vocabulary is empty.
	ErrTokenizerUninitialized = errors.New("tokenizer: vocabulary is empty")

	// ErrUnknownByteToken is returned when a byte-fallback token is
	// needed but the vocabulary has no matching <0xHH> entry.
	ErrUnknownByteToken = errors.New("tokenizer: vocabulary has no byte-fallback token")

	// ErrUnknownTokenID is returned by Decode when an id has no entry
	// in the vocabulary.
	ErrUnknownTokenID = errors.New("tokenizer: unknown token id")
)
