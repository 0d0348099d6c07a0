package entity

import "errors"

var (
	ErrEmptyHistory     = errors.New("history has no messages")
	ErrNoCodeBlocks      = errors.New("no code blocks found in completion")
	ErrDepthLimitReached = errors.New("recursion depth limit reached")
	ErrIterationBudget   = errors.New("iteration budget exhausted")
)
