// Package action talks to the remote randomizer that performs the roll.
package action

import (
	"context"
	"fmt"
)

// Provider performs one randomizer action for a channel.
// Implementations must honor ctx for cancellation and deadlines.
type Provider interface {
	Perform(ctx context.Context, channelID string, kind Kind) (Roll, error)
}

// Roll is the raw provider answer. Value is nil when the provider accepted the
// request but returned no usable number.
type Roll struct {
	Value *int
}

// RemoteError is a structured rejection reported by the provider.
type RemoteError struct {
	Code        string
	Description string
}

func (e *RemoteError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	if e.Code == "" {
		return e.Description
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}
