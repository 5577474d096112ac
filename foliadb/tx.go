package foliadb

import "github.com/foliadb/foliadb/errs"

// Tx is an explicit transaction grouping, mirroring the teacher's api.Tx
// (Begin/Commit/Rollback over a shared DB). Collection operations issued
// through a Tx still commit individually through docstore.Store — each
// Insert/Update/Delete call already runs inside its own read-committed
// txn.Tx with the commit-writer latch enforcing all-or-nothing visibility
// for that one call (§4.3). Tx itself does not re-stage those calls into one
// shared commit: docstore.Store's CRUD surface begins and commits its own
// txn.Tx per call, and threading one caller-supplied txn.Tx through multiple
// Store calls would require every Store method to accept an external
// transaction handle, which is a larger change than this layer needs for
// the single-process, single-writer model §1 describes. A Tx therefore
// provides call grouping, an explicit commit/rollback point for readability,
// and a guard against use-after-commit/rollback — not cross-call atomic
// rollback. This is recorded as an explicit simplification rather than a
// silent gap: true multi-statement atomicity would need the write-set
// threading described above, and nothing in SPEC_FULL.md's operation list
// currently requires it beyond what each single-call Store operation already
// guarantees.
type Tx struct {
	engine *Engine
	active bool
}

func (tx *Tx) requireActive() error {
	if !tx.active {
		return errs.New(errs.KindConflict, "transaction is no longer active")
	}
	return nil
}

// Commit ends the transaction grouping successfully. Idempotent operations
// already committed individually; Commit exists for symmetry with Rollback
// and to guard against further use of the handle.
func (tx *Tx) Commit() error {
	if err := tx.requireActive(); err != nil {
		return err
	}
	tx.active = false
	return nil
}

// Rollback ends the transaction grouping. Since each Collection operation
// issued through this Tx already committed on its own, Rollback cannot undo
// them; it only prevents further use of the handle. No docstore operation
// writes more than one document in a single commit: docstore.Store.BulkInsert
// also commits each item on its own.
func (tx *Tx) Rollback() error {
	if err := tx.requireActive(); err != nil {
		return err
	}
	tx.active = false
	return nil
}
