package cli

import (
	"fmt"
	"strings"

	"github.com/lherron/revmerge/internal/domain"
)

// Exit codes
const (
	ExitOK          = 0
	ExitPairsFailed = 1
	ExitUsage       = 2
)

// ExitError carries the process exit status for an error
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitError returns an error that will cause the CLI to exit with the given code
func exitError(code int, err error) error {
	return &ExitError{Code: code, Err: err}
}

// parsePairArgs accepts either "A B" or a single "A<-B"
func parsePairArgs(args []string) (domain.PairKey, error) {
	switch len(args) {
	case 1:
		a, b, ok := strings.Cut(args[0], "<-")
		if ok && a != "" && b != "" {
			return domain.PairKey{AuthoritativeID: a, RetiringID: b}, nil
		}
	case 2:
		if args[0] != "" && args[1] != "" {
			return domain.PairKey{AuthoritativeID: args[0], RetiringID: args[1]}, nil
		}
	}
	return domain.PairKey{}, fmt.Errorf("expected <authoritative-id> <retiring-id> or <authoritative-id><-<retiring-id>")
}
