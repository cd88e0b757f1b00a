package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	id "kyc/pkg/domain"
	dErrors "kyc/pkg/domain-errors"
)

// StageKind identifies one analysis stage.
type StageKind string

const (
	StagePAD         StageKind = "pad"
	StageDeepfake    StageKind = "deepfake"
	StageFaceMatch   StageKind = "face_match"
	StageDocOCR      StageKind = "doc_ocr"
	StageMRZ         StageKind = "mrz"
	StageDocLiveness StageKind = "doc_liveness"
)

// StageOrder is the fixed execution order of analysis stages.
var StageOrder = []StageKind{
	StagePAD,
	StageDeepfake,
	StageFaceMatch,
	StageDocOCR,
	StageMRZ,
	StageDocLiveness,
}

func (k StageKind) IsValid() bool {
	switch k {
	case StagePAD, StageDeepfake, StageFaceMatch, StageDocOCR, StageMRZ, StageDocLiveness:
		return true
	}
	return false
}

func (k StageKind) String() string {
	return string(k)
}

// Direction says which side of the threshold passes.
type Direction int

const (
	// AtLeast passes when score >= threshold.
	AtLeast Direction = iota
	// AtMost passes when score <= threshold.
	AtMost
)

// Passes applies the direction to a score and threshold.
func (d Direction) Passes(score, threshold float64) bool {
	if d == AtMost {
		return score <= threshold
	}
	return score >= threshold
}

// Diagnostics holds auxiliary values reported by a collaborator. Non-string
// values are kept as their JSON encoding.
type Diagnostics map[string]string

// DiagnosticsFrom flattens a decoded JSON object into Diagnostics.
func DiagnosticsFrom(raw map[string]any) Diagnostics {
	if len(raw) == 0 {
		return Diagnostics{}
	}
	d := make(Diagnostics, len(raw))
	for k, v := range raw {
		switch tv := v.(type) {
		case string:
			d[k] = tv
		default:
			b, err := json.Marshal(tv)
			if err != nil {
				d[k] = fmt.Sprint(tv)
				continue
			}
			d[k] = string(b)
		}
	}
	return d
}

// Keys returns the diagnostic keys in sorted order.
func (d Diagnostics) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FaceMatchDetails is the face_match variant.
type FaceMatchDetails struct {
	CosineSimilarity float64  `json:"cosine_similarity"`
	FaceImagePaths   []string `json:"face_image_paths"`
	IDPhotoPath      string   `json:"id_photo_path"`
}

// OCRDetails is the doc_ocr variant.
type OCRDetails struct {
	ExtractedText string  `json:"extracted_text"`
	Confidence    float64 `json:"confidence"`
	DocumentType  string  `json:"document_type"`
}

// MRZDetails is the mrz variant.
type MRZDetails struct {
	MRZData      map[string]string `json:"mrz_data"`
	ParsedFields map[string]string `json:"parsed_fields"`
	Valid        bool              `json:"valid"`
}

// StageDetails carries the per-kind fields. Exactly the field matching the
// result's kind is set; pad, deepfake and doc_liveness carry none.
type StageDetails struct {
	FaceMatch *FaceMatchDetails `json:"face_match,omitempty"`
	OCR       *OCRDetails       `json:"doc_ocr,omitempty"`
	MRZ       *MRZDetails       `json:"mrz,omitempty"`
}

// StageResult is the persisted outcome of one stage for one session.
// At most one exists per (SessionID, Kind).
type StageResult struct {
	SessionID   id.SessionID
	Kind        StageKind
	Score       float64
	Threshold   float64
	Passed      bool
	Details     StageDetails
	Diagnostics Diagnostics
	CreatedAt   time.Time
}

// Validate checks the kind and that the details variant matches it.
func (r *StageResult) Validate() error {
	if r.SessionID.IsNil() {
		return dErrors.New(dErrors.CodeInvalidInput, "stage result requires a session")
	}
	if !r.Kind.IsValid() {
		return dErrors.New(dErrors.CodeInvalidInput, "unknown stage kind: "+string(r.Kind))
	}
	set := 0
	for _, present := range []bool{r.Details.FaceMatch != nil, r.Details.OCR != nil, r.Details.MRZ != nil} {
		if present {
			set++
		}
	}
	want := map[StageKind]bool{
		StageFaceMatch: r.Details.FaceMatch != nil,
		StageDocOCR:    r.Details.OCR != nil,
		StageMRZ:       r.Details.MRZ != nil,
	}
	if hasDetails, isVariant := want[r.Kind]; isVariant {
		if !hasDetails || set != 1 {
			return dErrors.New(dErrors.CodeInvalidInput, "stage result details do not match kind "+string(r.Kind))
		}
		return nil
	}
	if set != 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "stage "+string(r.Kind)+" carries no details")
	}
	return nil
}
