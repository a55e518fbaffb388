package notify

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig wraps construction errors.
var ErrInvalidConfig = errors.New("notify: invalid configuration")

var errLeaderConnLost = errors.New("notify: leader connection closed")

func invalidConfig(msg string, args ...any) error {
	return fmt.Errorf("%w: "+msg, append([]any{ErrInvalidConfig}, args...)...)
}
