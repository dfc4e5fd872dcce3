package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type ObjectType string

const (
	ObjectSticky    ObjectType = "sticky"
	ObjectShape     ObjectType = "shape"
	ObjectFrame     ObjectType = "frame"
	ObjectConnector ObjectType = "connector"
	ObjectText      ObjectType = "text"
	ObjectLine      ObjectType = "line"
)

// ValidObjectType reports whether t is one of the known variants.
func ValidObjectType(t ObjectType) bool {
	switch t {
	case ObjectSticky, ObjectShape, ObjectFrame, ObjectConnector, ObjectText, ObjectLine:
		return true
	}
	return false
}

// Coordinate and dimension bounds shared by the validator and the REST layer.
const (
	CoordMin  = -1_000_000
	CoordMax  = 1_000_000
	DimMin    = 50
	DimMax    = 2_000
	MaxText   = 10_000
	MaxTitle  = 255
)

// BoardObject is a tagged variant over sticky, shape, frame, connector, text
// and line. All variant fields are optional and serialized only when set, so
// one flat struct round-trips each variant without per-type wrappers.
//
// Connector endpoints and frame back-references are weak by-ID references:
// a dangling id after a delete is tolerated, a detached endpoint is an
// explicit empty string (pointer to "" so the field survives serialization).
type BoardObject struct {
	ID           string     `json:"id"`
	Type         ObjectType `json:"type"`
	X            float64    `json:"x"`
	Y            float64    `json:"y"`
	FrameID      *string    `json:"frame_id,omitempty"`
	CreatedBy    string     `json:"created_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at,omitzero"`
	UpdatedAt    time.Time  `json:"updated_at,omitzero"`
	LastEditedBy string     `json:"last_edited_by,omitempty"`
	ZIndex       *int       `json:"z_index,omitempty"`
	CreatedVia   string     `json:"created_via,omitempty"`

	// sticky / shape / frame / text
	Text     string   `json:"text,omitempty"`
	Color    string   `json:"color,omitempty"`
	Width    *float64 `json:"width,omitempty"`
	Height   *float64 `json:"height,omitempty"`
	Shape    string   `json:"shape,omitempty"`
	FontSize *float64 `json:"font_size,omitempty"`

	// connector
	FromObjectID *string `json:"from_object_id,omitempty"`
	ToObjectID   *string `json:"to_object_id,omitempty"`
	FromAnchor   string  `json:"from_anchor,omitempty"`
	ToAnchor     string  `json:"to_anchor,omitempty"`
	Style        string  `json:"style,omitempty"`

	// connector / line
	X2 *float64 `json:"x2,omitempty"`
	Y2 *float64 `json:"y2,omitempty"`

	// line
	EndpointStyle string   `json:"endpoint_style,omitempty"`
	StrokePattern string   `json:"stroke_pattern,omitempty"`
	StrokeWeight  *float64 `json:"stroke_weight,omitempty"`
}

// immutable fields a patch may never override
var protectedFields = map[string]bool{
	"id":         true,
	"type":       true,
	"created_at": true,
	"created_by": true,
}

// ApplyPatch merges patch into the object field by field, last write wins.
// An explicit JSON null clears the field. Identity fields are skipped.
func (o *BoardObject) ApplyPatch(patch map[string]json.RawMessage) error {
	if len(patch) == 0 {
		return nil
	}

	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal object: %w", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("unmarshal object: %w", err)
	}

	for k, v := range patch {
		if protectedFields[k] {
			continue
		}
		if string(v) == "null" {
			delete(m, k)
			continue
		}
		m[k] = v
	}

	merged, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal merged object: %w", err)
	}
	var out BoardObject
	if err := json.Unmarshal(merged, &out); err != nil {
		return fmt.Errorf("patch does not fit object schema: %w", err)
	}
	*o = out
	return nil
}

// ReferencesObject reports whether a connector endpoint points at id.
func (o *BoardObject) ReferencesObject(id string) bool {
	if o.Type != ObjectConnector {
		return false
	}
	if o.FromObjectID != nil && *o.FromObjectID == id {
		return true
	}
	if o.ToObjectID != nil && *o.ToObjectID == id {
		return true
	}
	return false
}

// DetachFrom rewrites connector endpoints referencing id to the explicit
// detached value (empty string). Returns true when anything changed.
func (o *BoardObject) DetachFrom(id string) bool {
	changed := false
	if o.FromObjectID != nil && *o.FromObjectID == id {
		empty := ""
		o.FromObjectID = &empty
		changed = true
	}
	if o.ToObjectID != nil && *o.ToObjectID == id {
		empty := ""
		o.ToObjectID = &empty
		changed = true
	}
	return changed
}

// InFrame reports whether the object is parented to the given frame.
func (o *BoardObject) InFrame(frameID string) bool {
	return o.FrameID != nil && *o.FrameID == frameID
}
