package annotation

import (
	"math/rand"
	"time"

	"github.com/vegann/dataset-tools/pkg/config"
)

// Generator hands out identifiers that are unique for the lifetime of the
// generator. Each document owns its own generators.
type Generator interface {
	Next() int64
}

// Sequence counts up from 1.
type Sequence struct {
	last int64
}

// NewSequence returns a Sequence whose first value is 1.
func NewSequence() *Sequence {
	return &Sequence{}
}

func (s *Sequence) Next() int64 {
	s.last++
	return s.last
}

// Random produces 10-digit identifiers built from seven random digits and
// the last three digits of the unix time. Values already handed out are
// redrawn, so a Random never repeats itself.
type Random struct {
	rng  *rand.Rand
	now  func() time.Time
	seen map[int64]struct{}
}

// NewRandom seeds a Random. now may be nil to use time.Now.
func NewRandom(seed int64, now func() time.Time) *Random {
	if now == nil {
		now = time.Now
	}
	return &Random{
		rng:  rand.New(rand.NewSource(seed)),
		now:  now,
		seen: make(map[int64]struct{}),
	}
}

func (r *Random) Next() int64 {
	for {
		randomPart := int64(1_000_000 + r.rng.Intn(9_000_000))
		timePart := r.now().Unix() % 1000
		id := randomPart*1000 + timePart
		if _, dup := r.seen[id]; dup {
			continue
		}
		r.seen[id] = struct{}{}
		return id
	}
}

// NewGenerator returns the generator for a config.IDScheme* value. Unknown
// schemes fall back to a Sequence.
func NewGenerator(scheme string) Generator {
	if scheme == config.IDSchemeRandom {
		return NewRandom(time.Now().UnixNano(), nil)
	}
	return NewSequence()
}
