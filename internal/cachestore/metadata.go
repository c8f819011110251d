package cachestore

import (
	"encoding/json"

	"github.com/lumenvale/shuttercore/internal/domain"
)

// metadataRecord is the on-disk schema for index/<digest>.json. Extra holds
// any fields this version doesn't recognize so a rewrite never drops them,
// per the forward-compatibility requirement on the persisted layout.
type metadataRecord struct {
	FaceCount   int      `json:"face_count"`
	BBoxes      [][4]int `json:"bboxes"`
	StagesDone  []string `json:"stages_done"`
	CompletedAt uint64   `json:"completed_at"`
	HasPreview  bool     `json:"has_preview"`
	SizeBytes   int64    `json:"size_bytes"`

	Extra map[string]json.RawMessage `json:"-"`
}

var knownMetadataFields = map[string]struct{}{
	"face_count":   {},
	"bboxes":       {},
	"stages_done":  {},
	"completed_at": {},
	"has_preview":  {},
	"size_bytes":   {},
}

func newMetadataRecord(a domain.Artifact) metadataRecord {
	bboxes := make([][4]int, 0, len(a.FaceBBoxes))
	for _, b := range a.FaceBBoxes {
		bboxes = append(bboxes, [4]int{b.X, b.Y, b.W, b.H})
	}
	return metadataRecord{
		FaceCount:   a.FaceCount,
		BBoxes:      bboxes,
		StagesDone:  a.StagesDone.Strings(),
		CompletedAt: a.CompletedAt,
		HasPreview:  a.HasPreview,
		SizeBytes:   a.SizeBytes,
	}
}

func (r metadataRecord) toArtifact() domain.Artifact {
	bboxes := make([]domain.BBox, 0, len(r.BBoxes))
	for _, b := range r.BBoxes {
		bboxes = append(bboxes, domain.BBox{X: b[0], Y: b[1], W: b[2], H: b[3]})
	}
	stages := domain.NewStageSet()
	for _, name := range r.StagesDone {
		if st, ok := domain.ParseStage(name); ok {
			stages = stages.Add(st)
		}
	}
	return domain.Artifact{
		HasPreview:        r.HasPreview,
		FaceCount:         r.FaceCount,
		FaceBBoxes:        bboxes,
		ThumbnailsPresent: len(r.BBoxes) > 0 && r.FaceCount == len(r.BBoxes),
		CompletedAt:       r.CompletedAt,
		StagesDone:        stages,
		SizeBytes:         r.SizeBytes,
	}
}

// MarshalJSON merges the known fields with any preserved unknown ones.
func (r metadataRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.Extra)+6)
	for k, v := range r.Extra {
		out[k] = v
	}

	type alias metadataRecord
	known, err := json.Marshal(alias(r))
	if err != nil {
		return nil, err
	}
	var knownMap map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownMap); err != nil {
		return nil, err
	}
	for k, v := range knownMap {
		out[k] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes known fields and keeps everything else in Extra.
func (r *metadataRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	type alias metadataRecord
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*r = metadataRecord(a)

	r.Extra = make(map[string]json.RawMessage)
	for k, v := range raw {
		if _, known := knownMetadataFields[k]; !known {
			r.Extra[k] = v
		}
	}
	return nil
}
