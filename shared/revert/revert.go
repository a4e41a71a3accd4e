// Package revert provides construction-failure unwinding: a Reverter accumulates
// cleanup functions as a multi-step operation proceeds, and runs them in LIFO
// order unless the operation calls Success(). This replaces the hand-written
// "reap" functions the original C implementation used to partially undo
// construction on failure (see spec.md §9, Design Notes), the same role the
// teacher's shared/revert package plays for storage-driver setup in
// internal/server/storage/drivers/driver_lvm_utils.go. Reconstructed from that
// call-site contract — the package's own source was not present in the
// retrieval pack.
package revert

// Reverter runs a stack of cleanup functions unless told the operation succeeded.
type Reverter struct {
	fns []func()
}

// New returns an empty Reverter.
func New() *Reverter {
	return &Reverter{}
}

// Add pushes a cleanup function onto the stack.
func (r *Reverter) Add(fn func()) {
	r.fns = append(r.fns, fn)
}

// Fail runs every registered cleanup function, most-recently-added first.
// Safe to call multiple times; only runs pending functions once.
func (r *Reverter) Fail() {
	for i := len(r.fns) - 1; i >= 0; i-- {
		r.fns[i]()
	}

	r.fns = nil
}

// Success clears the stack without running anything, for the happy path.
func (r *Reverter) Success() {
	r.fns = nil
}

// Clone returns a new Reverter carrying the same pending functions, so a
// constructor can hand its in-progress cleanup stack to a caller that will
// decide success/failure itself.
func (r *Reverter) Clone() *Reverter {
	clone := &Reverter{fns: make([]func(), len(r.fns))}
	copy(clone.fns, r.fns)
	return clone
}
