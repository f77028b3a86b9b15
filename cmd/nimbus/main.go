// Command nimbus operates the experiment control plane: it creates experiments,
// applies lifecycle operations, allocates buckets and sweeps review timeouts.
// Storage, blob and logging settings come from NIMBUS_* environment variables.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"nimbus/pkg/domain"
)

var exitFunc = os.Exit

func main() {
	code := cli(os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	exitFunc(code)
}

// cli runs one command and maps its outcome to an exit code: 0 on success,
// 2 for usage errors, 3 when a lifecycle guard rejected the operation and 1
// for every other failure.
func cli(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := newRootCommand(stdin, stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintf(stderr, "nimbus: %v\n", err)
	var (
		usage    usageError
		mismatch *domain.StateMismatchError
	)
	switch {
	case errors.As(err, &usage):
		return 2
	case errors.As(err, &mismatch):
		return 3
	default:
		return 1
	}
}

type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }

func (e usageError) Unwrap() error { return e.err }
