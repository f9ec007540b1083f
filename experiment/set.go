package experiment

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// IDSet represents an unordered set of experiment ids, used for the
// selection of experiments currently chosen for execution.
type IDSet struct {
	elements map[string]struct{}
}

// NewIDSet initializes a new IDSet with any number of ids.
func NewIDSet(ids ...string) IDSet {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	return IDSet{elements: set}
}

// Add inserts one or more ids into the set.
func (s *IDSet) Add(ids ...string) {
	if s.elements == nil {
		s.elements = make(map[string]struct{})
	}
	for _, id := range ids {
		s.elements[id] = struct{}{}
	}
}

// Remove deletes an id from the set, if it exists.
func (s *IDSet) Remove(id string) {
	delete(s.elements, id)
}

// Contains checks if the set contains the given id.
func (s *IDSet) Contains(id string) bool {
	_, ok := s.elements[id]

	return ok
}

// List returns the ids as a sorted slice of strings.
func (s IDSet) List() []string {
	if len(s.elements) == 0 {
		return []string{}
	}

	ids := slices.Collect(maps.Keys(s.elements))
	slices.Sort(ids)

	return ids
}

// String returns the ids as a sorted, space-separated string.
//
// Implements the fmt.Stringer interface.
func (s IDSet) String() string {
	return strings.Join(s.List(), " ")
}

// Equal checks if two IDSets are equal.
func (s IDSet) Equal(other IDSet) bool {
	return maps.Equal(s.elements, other.elements)
}

// Length returns the number of ids in the set.
func (s IDSet) Length() int {
	return len(s.elements)
}

// Clone creates a copy of the IDSet.
func (s IDSet) Clone() IDSet {
	return IDSet{elements: maps.Clone(s.elements)}
}

// MarshalJSON marshals the IDSet as a sorted JSON array of strings.
//
// Implements the json.Marshaler interface.
func (s IDSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.List())
}

// UnmarshalJSON unmarshals a JSON array of strings into the IDSet.
//
// Implements the json.Unmarshaler interface.
func (s *IDSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}

	*s = NewIDSet(ids...)

	return nil
}

// Set is the ordered, uniquely-keyed collection of all experiments plus the
// selection and the id of the experiment currently running, stamped with a
// monotonically increasing revision.
type Set struct {
	Revision    uint64       `json:"revision"`
	Experiments []Experiment `json:"experiments"`
	Selection   IDSet        `json:"selection"`
	ActiveRunID string       `json:"activeRunId,omitempty"`
}

// NewSet initializes an empty experiment set at revision zero.
func NewSet() Set {
	return Set{Experiments: []Experiment{}, Selection: NewIDSet()}
}

// indexOf returns the index of the experiment with the provided id, or -1 if
// no such experiment exists.
func (s Set) indexOf(id string) int {
	for i, e := range s.Experiments {
		if e.ID == id {
			return i
		}
	}

	return -1
}

// Get returns a copy of the experiment with the given id.
func (s Set) Get(id string) (Experiment, error) {
	idx := s.indexOf(id)
	if idx == -1 {
		return Experiment{}, ErrExperimentNotFound
	}

	return s.Experiments[idx].Clone(), nil
}

// Contains reports whether an experiment with the given id exists.
func (s Set) Contains(id string) bool {
	return s.indexOf(id) != -1
}

// IDs returns the experiment ids in set iteration order.
func (s Set) IDs() []string {
	ids := make([]string, 0, len(s.Experiments))
	for _, e := range s.Experiments {
		ids = append(ids, e.ID)
	}

	return ids
}

// Clone returns a deep copy of the set.
func (s Set) Clone() Set {
	experiments := make([]Experiment, 0, len(s.Experiments))
	for _, e := range s.Experiments {
		experiments = append(experiments, e.Clone())
	}

	return Set{
		Revision:    s.Revision,
		Experiments: experiments,
		Selection:   s.Selection.Clone(),
		ActiveRunID: s.ActiveRunID,
	}
}

// NextID returns the lowest unused generated experiment id, following the
// "exp001" naming scheme.
func (s Set) NextID() string {
	for i := 1; ; i++ {
		id := fmt.Sprintf("exp%03d", i)
		if !s.Contains(id) {
			return id
		}
	}
}

// refreshActiveRun recomputes ActiveRunID as the first experiment in
// iteration order with status running, or empty when none is running.
func (s *Set) refreshActiveRun() {
	s.ActiveRunID = ""
	for _, e := range s.Experiments {
		if e.Status == StatusRunning {
			s.ActiveRunID = e.ID

			return
		}
	}
}
