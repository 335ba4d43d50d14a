// Command cli drives bank-sync runs: extract every configured institution,
// reconcile the exports and load them into BigQuery.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	os.Exit(execute(context.Background(), os.Args[1:]))
}

func execute(ctx context.Context, args []string) int {
	cmd := newRootCommand()
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(ctx)
	var ec *exitCodeError
	if errors.As(err, &ec) {
		if ec.err != nil {
			fmt.Fprintln(os.Stderr, "Error:", ec.err)
		}
		return ec.code
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// exitCodeError carries a non-zero exit code out of a command. err may be
// nil when the command already reported its outcome.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitCodeError) Unwrap() error { return e.err }
