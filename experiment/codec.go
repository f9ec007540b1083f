package experiment

import (
	"bytes"
	"encoding/json"
)

// Serialize encodes the set into its structural wire form, a JSON tree of
// the shape {revision, experiments, selection}. The round trip through
// Deserialize is lossless for any reachable set state.
func Serialize(s Set) ([]byte, error) {
	return json.Marshal(s)
}

// Deserialize decodes a structural form produced by Serialize.
// Numbers are decoded as json.Number to preserve the original numeric
// representation across the round trip.
func Deserialize(data []byte) (Set, error) {
	var s Set
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&s); err != nil {
		return Set{}, err
	}
	if s.Experiments == nil {
		s.Experiments = []Experiment{}
	}
	if s.Selection.elements == nil {
		s.Selection = NewIDSet()
	}

	return s, nil
}
