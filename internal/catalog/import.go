package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"forestline/internal/domain"
)

// Encoding tags which upstream shape a worksheet document arrived in.
type Encoding string

const (
	// EncodingMetadata is the current shape: a feature collection with a metadata object.
	EncodingMetadata Encoding = "metadata"
	// EncodingRawFeatures is the legacy shape: a bare feature collection or feature array.
	EncodingRawFeatures Encoding = "raw-features"
)

var ErrUnsupportedDocument = errors.New("unsupported worksheet document")

type Geometry struct {
	Type        string `json:"type"`
	Coordinates any    `json:"coordinates"`
}

type Feature struct {
	Type       string         `json:"type,omitempty"`
	Geometry   *Geometry      `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

type CRS struct {
	Type       string `json:"type,omitempty"`
	Properties struct {
		Name string `json:"name"`
	} `json:"properties"`
}

type FeatureCollection struct {
	Type     string    `json:"type"`
	Name     string    `json:"name,omitempty"`
	CRS      *CRS      `json:"crs,omitempty"`
	Features []Feature `json:"features"`
}

// CRSName returns the declared reference system name, or "".
func (fc FeatureCollection) CRSName() string {
	if fc.CRS == nil {
		return ""
	}
	return fc.CRS.Properties.Name
}

type Metadata struct {
	ID                string                 `json:"id,omitempty"`
	StartingDate      string                 `json:"startingDate,omitempty"`
	FinishingDate     string                 `json:"finishingDate,omitempty"`
	IssueDate         string                 `json:"issueDate,omitempty"`
	AwardDate         string                 `json:"awardDate,omitempty"`
	ServiceProviderID flexInt                `json:"serviceProviderId,omitempty"`
	AIGP              string                 `json:"aigp,omitempty"`
	RuralPropertyID   string                 `json:"ruralPropertyId,omitempty"`
	PosaCode          string                 `json:"posaCode,omitempty"`
	PosaDescription   string                 `json:"posaDescription,omitempty"`
	UserID            flexString             `json:"userId,omitempty"`
	Operations        []domain.OperationSpec `json:"operations"`
}

// Import is a decoded worksheet document normalized to one shape.
type Import struct {
	Encoding   Encoding
	Collection FeatureCollection
	Metadata   Metadata
}

// Decode reads a worksheet document in any supported encoding. A
// `{"data": ...}` export envelope is unwrapped first.
func Decode(data []byte) (Import, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Import{}, fmt.Errorf("%w: empty document", ErrUnsupportedDocument)
	}
	if data[0] == '[' {
		var features []Feature
		if err := json.Unmarshal(data, &features); err != nil {
			return Import{}, fmt.Errorf("decode feature array: %w", err)
		}
		return rawImport(FeatureCollection{Type: "FeatureCollection", Features: features}), nil
	}

	var probe struct {
		Data     json.RawMessage `json:"data"`
		Features json.RawMessage `json:"features"`
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Import{}, fmt.Errorf("decode worksheet: %w", err)
	}
	if len(probe.Data) > 0 && len(probe.Features) == 0 {
		return Decode(probe.Data)
	}
	if len(probe.Features) == 0 {
		return Import{}, fmt.Errorf("%w: no features", ErrUnsupportedDocument)
	}

	var fc FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return Import{}, fmt.Errorf("decode feature collection: %w", err)
	}
	if len(probe.Metadata) == 0 || string(probe.Metadata) == "null" {
		return rawImport(fc), nil
	}
	var md Metadata
	if err := json.Unmarshal(probe.Metadata, &md); err != nil {
		return Import{}, fmt.Errorf("decode metadata: %w", err)
	}
	return Import{Encoding: EncodingMetadata, Collection: fc, Metadata: md}, nil
}

// rawImport lifts worksheet-level fields out of legacy feature properties:
// the first feature carrying a value wins, operations are merged.
func rawImport(fc FeatureCollection) Import {
	var md Metadata
	for _, f := range fc.Features {
		p := f.Properties
		if p == nil {
			continue
		}
		setIfEmpty(&md.StartingDate, p, "startingDate", "starting_date")
		setIfEmpty(&md.FinishingDate, p, "finishingDate", "finishing_date")
		setIfEmpty(&md.IssueDate, p, "issueDate", "issue_date")
		setIfEmpty(&md.AwardDate, p, "awardDate", "award_date")
		setIfEmpty(&md.AIGP, p, "aigp")
		setIfEmpty(&md.RuralPropertyID, p, "ruralPropertyId", "rural_property_id")
		setIfEmpty(&md.PosaCode, p, "posaCode", "posa_code")
		setIfEmpty(&md.PosaDescription, p, "posaDescription", "posa_description")
		if md.ServiceProviderID.Value == nil {
			for _, k := range []string{"serviceProviderId", "service_provider_id"} {
				if v, ok := toInt64(p[k]); ok {
					md.ServiceProviderID.Value = &v
					break
				}
			}
		}
		if ops, ok := p["operations"].([]any); ok {
			md.Operations = append(md.Operations, operationsFromAny(ops)...)
		}
	}
	return Import{Encoding: EncodingRawFeatures, Collection: fc, Metadata: md}
}

func operationsFromAny(items []any) []domain.OperationSpec {
	var out []domain.OperationSpec
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		spec := domain.OperationSpec{
			Code:        stringProp(m, "operationCode", "code"),
			Description: stringProp(m, "operationDescription", "description"),
		}
		if v, ok := m["areaHa"].(float64); ok {
			spec.AreaHa = v
		}
		out = append(out, spec)
	}
	return out
}

func setIfEmpty(dst *string, props map[string]any, keys ...string) {
	if *dst != "" {
		return
	}
	*dst = stringProp(props, keys...)
}

func stringProp(props map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := propString(props[k]); s != "" {
			return s
		}
	}
	return ""
}

// propString renders a scalar property as text. Integral numbers print without a fraction.
func propString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	}
	return ""
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		if t != float64(int64(t)) {
			return 0, false
		}
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	}
	return 0, false
}

// flexInt accepts a JSON number, a numeric string or null.
type flexInt struct {
	Value *int64
}

func (f *flexInt) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == nil {
		f.Value = nil
		return nil
	}
	if s, ok := raw.(string); ok && strings.TrimSpace(s) == "" {
		f.Value = nil
		return nil
	}
	n, ok := toInt64(raw)
	if !ok {
		return fmt.Errorf("invalid integer %s", string(b))
	}
	f.Value = &n
	return nil
}

func (f flexInt) MarshalJSON() ([]byte, error) {
	if f.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*f.Value)
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*f = flexString(propString(raw))
	return nil
}
