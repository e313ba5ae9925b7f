// Package main implements the credvault command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/forest6511/credvault/pkg/vault"
)

func main() {
	a := newApp()
	err := a.execute(context.Background(), os.Args[1:])
	os.Exit(exitCode(a.errOut, err))
}

// exitCode reports err on w and returns the process exit status. Errors
// carrying an exit status (from run) keep it; vault errors print their code.
func exitCode(w io.Writer, err error) int {
	if err == nil {
		return 0
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(w, "Error: %v\n", ee.err)
		}
		return ee.code
	}

	if code := vault.ErrorCode(err); code != "INTERNAL" {
		fmt.Fprintf(w, "Error [%s]: %v\n", code, err)
	} else {
		fmt.Fprintf(w, "Error: %v\n", err)
	}
	if errors.Is(err, vault.ErrNotFound) {
		return ExitSecretNotFound
	}
	return 1
}
