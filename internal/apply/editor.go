package apply

import (
	"context"
	"errors"

	"github.com/roach88/scenebridge/internal/ir"
)

// ErrUnknownTransaction is returned for a transaction id the pipeline does
// not know or that is not in a state the operation needs.
var ErrUnknownTransaction = errors.New("unknown transaction")

// Editor is the external editor collaborator.
//
// Apply hands a transaction to the editor and blocks until its receipt
// arrives or ctx ends. Transport failures are reported as
// ir.CodeEditorUnreachable so the pipeline can retry them; a deadline is
// reported as the context error.
//
// FetchSource returns the current source of a script, or an error with
// ir.CodeNotFound.
type Editor interface {
	Apply(ctx context.Context, tx ir.Transaction) (ir.Receipt, error)
	FetchSource(ctx context.Context, contextID, path string) (string, error)
}
