package backoff

import (
	"time"
)

// maxFactor caps the exponent so the multiplication can't overflow a
// time.Duration on long-lived counters.
const maxFactor = 20

// DefaultMax is the ceiling applied when Options.Max is unset.
const DefaultMax = time.Hour

// Options configures a Backoff.
type Options struct {
	// Initial, when set, is returned verbatim for the first attempt before
	// exponential growth starts.
	Initial time.Duration
	// Base is the starting delay for exponential growth. Defaults to 2s.
	Base time.Duration
	// Factor is the per-attempt growth multiplier. Defaults to 2.
	Factor float64
	// Max caps the computed delay. Defaults to DefaultMax.
	Max time.Duration
	// Attempts, when non-zero, makes Backoff return the caller's error
	// instead of a delay once that many attempts have been consumed.
	Attempts int
}

// Backoff computes an exponentially growing retry delay. It is a plain
// counter: callers decide when to sleep and for how long. Not safe for
// concurrent use.
type Backoff struct {
	opts    Options
	counter int
}

// New returns a Backoff with zero consumed attempts.
func New(opts Options) *Backoff {
	if opts.Base <= 0 {
		opts.Base = 2 * time.Second
	}
	if opts.Factor <= 0 {
		opts.Factor = 2
	}
	if opts.Max <= 0 {
		opts.Max = DefaultMax
	}
	return &Backoff{opts: opts}
}

// Reset clears the attempt counter, restoring the first-call delay.
func (b *Backoff) Reset() {
	b.counter = 0
}

// MaxOut jumps the counter past the exponential ramp so the next Peek
// returns the configured maximum.
func (b *Backoff) MaxOut() {
	b.counter = maxFactor + 2
}

// Peek returns the delay for the most recently consumed attempt without
// consuming another one.
func (b *Backoff) Peek() time.Duration {
	exp := b.counter - 1
	if b.opts.Initial > 0 {
		if b.counter == 1 {
			return b.opts.Initial
		}
		exp--
	}
	if exp > maxFactor {
		exp = maxFactor
	}
	computed := time.Duration(float64(b.opts.Base) * pow(b.opts.Factor, exp))
	if computed > b.opts.Max {
		computed = b.opts.Max
	}
	return computed
}

// Backoff consumes one attempt and returns the delay before the next try.
// Once the configured attempt ceiling is reached it returns err instead,
// signalling the caller to give up.
func (b *Backoff) Backoff(err error) (time.Duration, error) {
	if b.opts.Attempts > 0 && b.counter >= b.opts.Attempts {
		return 0, err
	}
	b.counter++
	return b.Peek(), nil
}

func pow(factor float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= factor
	}
	return result
}
