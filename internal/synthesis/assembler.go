package synthesis

import (
	"fmt"
	"io"
)

// Assembler turns fragments arriving in arbitrary completion order into a
// single stream ordered by chunk ordinal. Bytes handed to the writer always
// correspond to strictly increasing ordinals with no gaps and no duplicates.
//
// Partial-failure policy: the assembler flushes the contiguous prefix as soon
// as it exists, so a streaming caller that aborts mid-request has already
// received that prefix and the connection simply ends early. Buffered callers
// write into a scratch buffer and discard it on error, so they never expose
// partial audio. Neither mode invents a trailer.
type Assembler struct {
	w       io.Writer
	next    int
	pending map[int][]byte
	written int64
}

func NewAssembler(w io.Writer) *Assembler {
	return &Assembler{w: w, pending: make(map[int][]byte)}
}

// Offer accepts one fragment, writing it and any unblocked buffered
// successors once they form a contiguous run from the current ordinal.
func (a *Assembler) Offer(f Fragment) error {
	if f.Index < a.next {
		return fmt.Errorf("duplicate fragment %d (already emitted through %d)", f.Index, a.next-1)
	}
	if _, dup := a.pending[f.Index]; dup {
		return fmt.Errorf("duplicate fragment %d", f.Index)
	}
	a.pending[f.Index] = f.Audio
	for {
		audio, ok := a.pending[a.next]
		if !ok {
			return nil
		}
		delete(a.pending, a.next)
		n, err := a.w.Write(audio)
		a.written += int64(n)
		if err != nil {
			return err
		}
		a.next++
	}
}

// Complete verifies that exactly total fragments were emitted with no gaps.
func (a *Assembler) Complete(total int) error {
	if len(a.pending) > 0 || a.next != total {
		return fmt.Errorf("incomplete assembly: emitted %d of %d fragments", a.next, total)
	}
	return nil
}

// Written returns the number of bytes flushed to the writer so far.
func (a *Assembler) Written() int64 { return a.written }
