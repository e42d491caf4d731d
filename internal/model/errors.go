package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrUnsupportedFlowKind = errors.New("unsupported flow kind")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrRemoteFailure       = errors.New("remote failure")
	ErrFlowError           = errors.New("flow error")
	ErrNotADirectory       = fmt.Errorf("not a directory: %w", ErrInvalidArgument)
)

type FlowFailedError struct {
	FlowID      string
	Description string
}

func (e *FlowFailedError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("flow %s failed", e.FlowID)
	}
	return fmt.Sprintf("flow %s failed: %s", e.FlowID, e.Description)
}

func (e *FlowFailedError) Is(target error) bool {
	return target == ErrFlowError
}
