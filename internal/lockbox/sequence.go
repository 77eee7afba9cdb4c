package lockbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Sequence is the ordered, never empty list of lock stages. Readers may use
// it concurrently with the owning lockbox's edits.
type Sequence struct {
	mu     sync.RWMutex
	stages []*Stage
}

// NewSequence builds a sequence from stage settings. Blank names become
// stage_<n>.
func NewSequence(settings ...StageSettings) (*Sequence, error) {
	if len(settings) == 0 {
		return nil, fmt.Errorf("%w: a sequence needs at least one stage", ErrInvalidSequence)
	}
	seq := &Sequence{}
	for _, s := range settings {
		if _, err := seq.insertLocked(len(seq.stages), s); err != nil {
			return nil, err
		}
	}
	return seq, nil
}

// Len returns the number of stages.
func (q *Sequence) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.stages)
}

// At returns stage i.
func (q *Sequence) At(i int) (*Stage, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if i < 0 || i >= len(q.stages) {
		return nil, q.rangeError(i)
	}
	return q.stages[i], nil
}

// Last returns the last stage.
func (q *Sequence) Last() *Stage {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.stages[len(q.stages)-1]
}

// Stages returns a snapshot of the stage list.
func (q *Sequence) Stages() []*Stage {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return append([]*Stage(nil), q.stages...)
}

// Settings returns copies of every stage's settings in order.
func (q *Sequence) Settings() []StageSettings {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]StageSettings, len(q.stages))
	for i, st := range q.stages {
		out[i] = st.settings.clone()
	}
	return out
}

// IndexOf returns the position of st, or -1 when st is not a member.
func (q *Sequence) IndexOf(st *Stage) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.indexLocked(st)
}

// Append adds a stage at the end.
func (q *Sequence) Append(s StageSettings) (*Stage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.insertLocked(len(q.stages), s)
}

// Insert adds a stage before position i; i == Len appends.
func (q *Sequence) Insert(i int, s StageSettings) (*Stage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i < 0 || i > len(q.stages) {
		return nil, q.rangeError(i)
	}
	return q.insertLocked(i, s)
}

// Replace swaps stage i for a new stage built from s.
func (q *Sequence) Replace(i int, s StageSettings) (*Stage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i < 0 || i >= len(q.stages) {
		return nil, q.rangeError(i)
	}
	s = s.clone()
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		s.Name = q.stages[i].settings.Name
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	for j, other := range q.stages {
		if j != i && other.settings.Name == s.Name {
			return nil, fmt.Errorf("%w: duplicate stage name %q", ErrInvalidSequence, s.Name)
		}
	}
	st := &Stage{settings: s, seq: q}
	q.stages[i] = st
	return st, nil
}

// Remove deletes stage i. Removing the only stage fails.
func (q *Sequence) Remove(i int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i < 0 || i >= len(q.stages) {
		return q.rangeError(i)
	}
	if len(q.stages) == 1 {
		return fmt.Errorf("%w: cannot remove the last remaining stage", ErrInvalidSequence)
	}
	q.stages = append(q.stages[:i], q.stages[i+1:]...)
	return nil
}

// Fingerprint hashes the ordered stage attributes.
func (q *Sequence) Fingerprint() uint64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	d := xxhash.New()
	for _, st := range q.stages {
		data, _ := json.Marshal(st.settings)
		_, _ = d.Write(data)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

func (q *Sequence) after(st *Stage) *Stage {
	q.mu.RLock()
	defer q.mu.RUnlock()
	i := q.indexLocked(st)
	if i < 0 || i+1 >= len(q.stages) {
		return nil
	}
	return q.stages[i+1]
}

func (q *Sequence) indexLocked(st *Stage) int {
	for i, candidate := range q.stages {
		if candidate == st {
			return i
		}
	}
	return -1
}

func (q *Sequence) insertLocked(i int, s StageSettings) (*Stage, error) {
	s = s.clone()
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		s.Name = q.generatedNameLocked()
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	for _, other := range q.stages {
		if other.settings.Name == s.Name {
			return nil, fmt.Errorf("%w: duplicate stage name %q", ErrInvalidSequence, s.Name)
		}
	}
	st := &Stage{settings: s, seq: q}
	q.stages = append(q.stages, nil)
	copy(q.stages[i+1:], q.stages[i:])
	q.stages[i] = st
	return st, nil
}

func (q *Sequence) generatedNameLocked() string {
	for n := len(q.stages); ; n++ {
		name := fmt.Sprintf("stage_%d", n)
		taken := false
		for _, st := range q.stages {
			if st.settings.Name == name {
				taken = true
				break
			}
		}
		if !taken {
			return name
		}
	}
}

func (q *Sequence) rangeError(i int) error {
	return fmt.Errorf("%w: stage index %d out of range [0, %d)", ErrInvalidSequence, i, len(q.stages))
}
