// Package recommend turns raw classifier output into canonical
// recommendations. Parsing never fails outward: uninterpretable output
// yields the fallback set.
package recommend

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/course-cli/internal/model"
)

const (
	// FallbackCourseID is the course recommended when the classifier output
	// cannot be interpreted and no fallback list is configured.
	FallbackCourseID = "SAFETY-GENERAL-101"
	// FallbackReason explains fallback recommendations in reports.
	FallbackReason = "General safety awareness (classifier response could not be interpreted)"
	// GenericReason is used when neither the item nor the envelope gives one.
	GenericReason = "Recommended by the safety classifier"
)

// Result is the normalized classifier output for one person.
type Result struct {
	Recommendations []model.Recommendation `json:"recommendations"`
	Reason          string                 `json:"reason,omitempty"`
	Fallback        bool                   `json:"fallback,omitempty"`
}

// Record is the object form of one classifier suggestion.
type Record struct {
	CourseID      string  `json:"course_id"`
	Priority      string  `json:"priority"`
	RenewalMonths flexInt `json:"renewal_months"`
	DeadlineDays  flexInt `json:"deadline_days"`
	Reason        string  `json:"reason"`
}

type envelope struct {
	Recommendations *[]json.RawMessage `json:"recommendations"`
	Reason          string             `json:"reason"`
}

// flexInt accepts a JSON number or a numeric string. Anything else decodes
// to zero, which later maps to the default.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	*f = 0
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		b = []byte(strings.TrimSpace(s))
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil || math.IsNaN(v) || v > math.MaxInt32 || v < math.MinInt32 {
		return nil
	}
	*f = flexInt(v)
	return nil
}

// Normalizer canonicalizes classifier output against an optional set of
// known course ids.
type Normalizer struct {
	known    map[string]string // folded id -> catalog id; nil = unrestricted
	fallback []string
}

// NewNormalizer builds a Normalizer. When restrict is true, ids absent from
// catalog are dropped. fallbackIDs replaces the default fallback course; an
// empty list keeps FallbackCourseID.
func NewNormalizer(catalog model.Catalog, restrict bool, fallbackIDs []string) *Normalizer {
	n := &Normalizer{}
	if restrict && len(catalog) > 0 {
		n.known = make(map[string]string, len(catalog))
		for _, c := range catalog {
			n.known[strings.ToUpper(strings.TrimSpace(c.ID))] = c.ID
		}
	}
	for _, id := range fallbackIDs {
		if id = strings.TrimSpace(id); id != "" {
			n.fallback = append(n.fallback, id)
		}
	}
	if len(n.fallback) == 0 {
		n.fallback = []string{FallbackCourseID}
	}
	return n
}

// Fallback returns the fallback recommendation set. It is never empty.
func (n *Normalizer) Fallback() Result {
	recs := make([]model.Recommendation, len(n.fallback))
	for i, id := range n.fallback {
		recs[i] = model.Recommendation{
			CourseID:      id,
			Priority:      model.DefaultPriority,
			RenewalMonths: model.DefaultRenewalMonths,
			DeadlineDays:  model.DefaultDeadlineDays,
			Reason:        FallbackReason,
		}
	}
	return Result{Recommendations: recs, Reason: FallbackReason, Fallback: true}
}

// Normalize parses raw classifier text. An empty recommendations list is a
// valid answer and is returned as such; a non-empty list in which no item
// decodes is not, and yields the fallback set.
func (n *Normalizer) Normalize(raw string) Result {
	obj, ok := ExtractObject(raw)
	if !ok {
		zap.L().Warn("recommend: no JSON object in classifier output, using fallback",
			zap.Int("length", len(raw)))
		return n.Fallback()
	}

	var env envelope
	if err := json.Unmarshal([]byte(obj), &env); err != nil {
		zap.L().Warn("recommend: invalid classifier JSON, using fallback", zap.Error(err))
		return n.Fallback()
	}
	if env.Recommendations == nil {
		zap.L().Warn("recommend: classifier output lacks recommendations, using fallback")
		return n.Fallback()
	}

	res := Result{Recommendations: []model.Recommendation{}, Reason: strings.TrimSpace(env.Reason)}
	seen := make(map[string]bool)
	decoded := 0
	for _, item := range *env.Recommendations {
		rec, ok := decodeItem(item, res.Reason)
		if !ok {
			zap.L().Debug("recommend: skipping malformed item", zap.ByteString("item", item))
			continue
		}
		decoded++
		id, ok := n.resolve(rec.CourseID)
		if !ok {
			zap.L().Info("recommend: dropping unknown course", zap.String("course_id", rec.CourseID))
			continue
		}
		rec.CourseID = id
		if seen[id] {
			continue
		}
		seen[id] = true
		res.Recommendations = append(res.Recommendations, rec)
	}
	if decoded == 0 && len(*env.Recommendations) > 0 {
		zap.L().Warn("recommend: no usable recommendation items, using fallback",
			zap.Int("items", len(*env.Recommendations)))
		return n.Fallback()
	}
	return res
}

func (n *Normalizer) resolve(id string) (string, bool) {
	if n.known == nil {
		return id, true
	}
	canonical, ok := n.known[strings.ToUpper(id)]
	return canonical, ok
}

func decodeItem(item json.RawMessage, envReason string) (model.Recommendation, bool) {
	var id string
	if err := json.Unmarshal(item, &id); err == nil {
		if id = strings.TrimSpace(id); id == "" {
			return model.Recommendation{}, false
		}
		rec := FromString(id)
		if envReason != "" {
			rec.Reason = envReason
		}
		return rec, true
	}

	var r Record
	if err := json.Unmarshal(item, &r); err != nil {
		return model.Recommendation{}, false
	}
	r.CourseID = strings.TrimSpace(r.CourseID)
	if r.CourseID == "" {
		return model.Recommendation{}, false
	}
	if strings.TrimSpace(r.Reason) == "" {
		r.Reason = envReason
	}
	return FromRecord(r), true
}

// FromString builds a recommendation from a bare course id with defaults.
func FromString(courseID string) model.Recommendation {
	return model.Recommendation{
		CourseID:      strings.TrimSpace(courseID),
		Priority:      model.DefaultPriority,
		RenewalMonths: model.DefaultRenewalMonths,
		DeadlineDays:  model.DefaultDeadlineDays,
		Reason:        GenericReason,
	}
}

// FromRecord fills defaults for missing or invalid fields of r and clamps
// windows to MaxRenewalMonths and MaxDeadlineDays.
func FromRecord(r Record) model.Recommendation {
	rec := model.Recommendation{
		CourseID:      strings.TrimSpace(r.CourseID),
		Priority:      model.ParsePriority(r.Priority),
		RenewalMonths: int(r.RenewalMonths),
		DeadlineDays:  int(r.DeadlineDays),
		Reason:        strings.TrimSpace(r.Reason),
	}
	switch {
	case rec.RenewalMonths <= 0:
		rec.RenewalMonths = model.DefaultRenewalMonths
	case rec.RenewalMonths > model.MaxRenewalMonths:
		rec.RenewalMonths = model.MaxRenewalMonths
	}
	switch {
	case rec.DeadlineDays <= 0:
		rec.DeadlineDays = model.DefaultDeadlineDays
	case rec.DeadlineDays > model.MaxDeadlineDays:
		rec.DeadlineDays = model.MaxDeadlineDays
	}
	if rec.Reason == "" {
		rec.Reason = GenericReason
	}
	return rec
}
