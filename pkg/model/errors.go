package model

import (
	"errors"

	"decoderlm/pkg/model/attention"
)

var (
	// ErrConfiguration reports inconsistent model dimensions, invalid
	// hyperparameters, or call arguments whose shape cannot be reconciled
	// with the model.
	ErrConfiguration = attention.ErrConfiguration

	// ErrSequenceLength reports a sequence longer than the positional
	// encoder supports.
	ErrSequenceLength = errors.New("sequence length error")
)
