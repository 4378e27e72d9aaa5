package graph

import (
	"encoding/json"
	"fmt"
)

// ElementRef pins an element type to the version the coordinator resolved.
type ElementRef struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

// Payload is the executable workflow shipped with a transcode job.
type Payload struct {
	TreeID       int64        `json:"treeId"`
	TreeName     string       `json:"treeName,omitempty"`
	TreeVersion  int          `json:"treeVersion"`
	Requirements Requirements `json:"requirements"`
	Graph        Graph        `json:"graph"`
	Bundle       []ElementRef `json:"bundle"`
}

// Catalog reports the version of every element type the fleet knows.
type Catalog interface {
	Version(elementType string) (string, bool)
}

// StaticCatalog is a Catalog backed by a fixed type to version map.
type StaticCatalog map[string]string

// Version implements Catalog.
func (c StaticCatalog) Version(elementType string) (string, bool) {
	v, ok := c[elementType]
	return v, ok
}

// NewPayload minimizes g and builds its element manifest from catalog.
// Element types the catalog does not know are pinned to an empty version so
// nodes reject them explicitly.
func NewPayload(treeID int64, treeName string, version int, req Requirements, g Graph, catalog Catalog) Payload {
	minimized := g.Minimize()
	types := minimized.ElementTypes()
	bundle := make([]ElementRef, 0, len(types))
	for _, t := range types {
		ref := ElementRef{Type: t}
		if catalog != nil {
			if v, ok := catalog.Version(t); ok {
				ref.Version = v
			}
		}
		bundle = append(bundle, ref)
	}
	return Payload{
		TreeID:       treeID,
		TreeName:     treeName,
		TreeVersion:  version,
		Requirements: req,
		Graph:        minimized,
		Bundle:       bundle,
	}
}

// Encode serializes the payload for storage on the job row.
func (p Payload) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(data), nil
}

// DecodePayload parses a stored payload. An empty string yields nil.
func DecodePayload(raw string) (*Payload, error) {
	if raw == "" {
		return nil, nil
	}
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &p, nil
}
