package channel

import (
	"encoding/json"
	"errors"

	"github.com/expkit/experimenter/experiment"
)

// MessageType identifies a wire message carried over a transport.
type MessageType string

const (
	// MessageSnapshot carries the full structural form and its revision,
	// sent to an observer on attach and as a conflict reply.
	MessageSnapshot MessageType = "snapshot"
	// MessageMutate carries a proposed patch from an observer.
	MessageMutate MessageType = "mutate"
	// MessageChanged carries the new structural form after an accepted
	// mutation, broadcast to every attached observer.
	MessageChanged MessageType = "changed"
	// MessageConflict is the reply to the originator of a stale patch. It
	// carries the authoritative snapshot and revision.
	MessageConflict MessageType = "conflict"
	// MessageError is the reply to the originator of an invalid patch.
	MessageError MessageType = "error"
)

// Envelope is the transport-neutral wire message of the synchronization
// protocol. Which fields are set depends on the message type.
type Envelope struct {
	Type     MessageType      `json:"type"`
	Revision uint64           `json:"revision,omitempty"`
	Snapshot json.RawMessage  `json:"snapshot,omitempty"`
	Patch    *experiment.Patch `json:"patch,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// SnapshotEnvelope builds a snapshot message from a set.
func SnapshotEnvelope(s experiment.Set) (Envelope, error) {
	return envelopeWithSnapshot(MessageSnapshot, s)
}

// ChangedEnvelope builds a changed broadcast from a set.
func ChangedEnvelope(s experiment.Set) (Envelope, error) {
	return envelopeWithSnapshot(MessageChanged, s)
}

// MutateEnvelope builds a mutate message from a patch.
func MutateEnvelope(p experiment.Patch) Envelope {
	return Envelope{Type: MessageMutate, Patch: &p}
}

// ReplyEnvelope maps a Mutate failure to its wire reply: a conflict carries
// the authoritative state, any other rejection becomes an error message.
func ReplyEnvelope(err error) (Envelope, error) {
	var conflict *experiment.ConflictError
	if errors.As(err, &conflict) {
		env, encErr := envelopeWithSnapshot(MessageConflict, conflict.Current)
		if encErr != nil {
			return Envelope{}, encErr
		}
		env.Error = conflict.Error()

		return env, nil
	}

	return Envelope{Type: MessageError, Error: err.Error()}, nil
}

// Set decodes the snapshot payload of a snapshot, changed, or conflict
// envelope.
func (e Envelope) Set() (experiment.Set, error) {
	if len(e.Snapshot) == 0 {
		return experiment.Set{}, errors.New("envelope carries no snapshot")
	}

	return experiment.Deserialize(e.Snapshot)
}

func envelopeWithSnapshot(t MessageType, s experiment.Set) (Envelope, error) {
	data, err := experiment.Serialize(s)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{Type: t, Revision: s.Revision, Snapshot: data}, nil
}
