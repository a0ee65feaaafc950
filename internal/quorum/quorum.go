// Package quorum provides a single-shot majority latch used by elections,
// pre-vote polls and leadership checks.
package quorum

// Quorum counts successes and failures from a fixed set of members and
// invokes the callback at most once: with true as soon as successes reach
// the quorum size, with false as soon as success becomes impossible, and
// not at all once cancelled.
type Quorum struct {
	quorumSize int
	total      int
	succeeded  int
	failed     int
	complete   bool
	callback   func(bool)
}

// New returns a quorum over total members requiring quorumSize successes.
func New(quorumSize, total int, callback func(bool)) *Quorum {
	q := &Quorum{
		quorumSize: quorumSize,
		total:      total,
		callback:   callback,
	}
	q.check()
	return q
}

// Succeed records one success.
func (q *Quorum) Succeed() {
	if q.complete {
		return
	}
	q.succeeded++
	q.check()
}

// Fail records one failure.
func (q *Quorum) Fail() {
	if q.complete {
		return
	}
	q.failed++
	q.check()
}

// Cancel completes the quorum without invoking the callback.
func (q *Quorum) Cancel() {
	q.complete = true
}

func (q *Quorum) check() {
	if q.succeeded >= q.quorumSize {
		q.complete = true
		q.callback(true)
		return
	}
	if q.total-q.failed < q.quorumSize {
		q.complete = true
		q.callback(false)
	}
}
