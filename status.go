package docswarm

import "github.com/drpcorg/docswarm/crdt"

// ActorState tracks how far the engine got with one actor log.
type ActorState int

const (
	ActorUnknown ActorState = iota
	ActorMetadataPending
	ActorMetadataLoaded
	ActorOwnBlocksLoading
	ActorOwnBlocksComplete
	ActorDepsResolving
	ActorDepsResolved
)

var actorStateNames = []string{
	"unknown",
	"metadata-pending",
	"metadata-loaded",
	"own-blocks-loading",
	"own-blocks-complete",
	"deps-resolving",
	"deps-resolved",
}

func (s ActorState) String() string {
	if int(s) < len(actorStateNames) {
		return actorStateNames[s]
	}
	return "invalid"
}

func (s ActorState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type ActorStatus struct {
	State     ActorState `json:"state"`
	Requested uint64     `json:"requested"`
	Applied   uint64     `json:"applied"`
	Length    uint64     `json:"length"`
	Writable  bool       `json:"writable"`
}

// DocStatus tells a document that is still loading from one that is stuck.
type DocStatus struct {
	DocID     string                 `json:"docId"`
	Ready     bool                   `json:"ready"`
	InFlight  int                    `json:"inFlight"`
	Missing   crdt.VV                `json:"missing,omitempty"`
	Actors    map[string]ActorStatus `json:"actors"`
	LastError string                 `json:"lastError,omitempty"`
}
