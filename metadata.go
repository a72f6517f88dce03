package docswarm

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	"github.com/drpcorg/docswarm/docswarm_errors"
)

const SchemaVersion = "docswarm/1"

// Metadata is block 0 of every actor log.
type Metadata struct {
	DocID    string         `json:"docId"`
	GroupID  string         `json:"groupId"`
	ParentID string         `json:"parentId,omitempty"`
	Schema   string         `json:"schema"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// IsRoot tells whether actor created the document it belongs to.
func (m *Metadata) IsRoot(actor string) bool {
	return m.DocID == actor
}

// inheritable is what a fork takes over from its parent.
func (m *Metadata) inheritable() map[string]any {
	layer := maps.Clone(m.Extra)
	if layer == nil {
		layer = make(map[string]any)
	}
	layer["groupId"] = m.GroupID
	return layer
}

// buildMetadata merges layers, later ones winning, then pins docId.
func buildMetadata(actor string, layers ...map[string]any) (*Metadata, error) {
	merged := map[string]any{"groupId": actor}
	for _, layer := range layers {
		maps.Copy(merged, layer)
	}
	md := &Metadata{DocID: actor, Schema: SchemaVersion}
	for k, v := range merged {
		switch k {
		case "docId", "schema":
		case "groupId", "parentId":
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s must be a string", docswarm_errors.ErrBadMetadata, k)
			}
			if k == "groupId" {
				md.GroupID = s
			} else {
				md.ParentID = s
			}
		default:
			if md.Extra == nil {
				md.Extra = make(map[string]any)
			}
			md.Extra[k] = v
		}
	}
	if md.GroupID == "" {
		md.GroupID = actor
	}
	return md, nil
}

func encodeMetadata(md *Metadata) ([]byte, error) {
	data, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", docswarm_errors.ErrBadMetadata, err)
	}
	return data, nil
}

func decodeMetadata(block []byte) (*Metadata, error) {
	md := &Metadata{}
	if err := json.Unmarshal(block, md); err != nil {
		return nil, fmt.Errorf("%w: %w", docswarm_errors.ErrBadMetadata, err)
	}
	if md.DocID == "" {
		return nil, fmt.Errorf("%w: no docId", docswarm_errors.ErrBadMetadata)
	}
	name, version, _ := strings.Cut(md.Schema, "/")
	major, _, _ := strings.Cut(version, ".")
	if name != "docswarm" || major != "1" {
		return nil, fmt.Errorf("%w: unsupported schema %q", docswarm_errors.ErrBadMetadata, md.Schema)
	}
	if md.GroupID == "" {
		md.GroupID = md.DocID
	}
	return md, nil
}
