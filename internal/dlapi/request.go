package dlapi

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"marketfill/internal/domain"
)

// Request types understood by the vendor.
const (
	HistoryRequestType = "HistoryRequest"
	DataRequestType    = "DataRequest"
)

// RequestNameLength and requestNameAlphabet define job names. The name is the
// only correlation key between a submission and its output, so it must not
// collide across concurrent jobs on the same account.
const (
	RequestNameLength   = 12
	requestNameAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// Entropy is the randomness source for request names and poll backoff.
// *rand.Rand from math/rand/v2 satisfies it.
type Entropy interface {
	IntN(n int) int
}

type globalEntropy struct{}

func (globalEntropy) IntN(n int) int { return rand.IntN(n) }

// DefaultEntropy draws from the process-wide, randomly seeded generator.
var DefaultEntropy Entropy = globalEntropy{}

// GenerateRequestName returns a 12 character lowercase alphanumeric token.
func GenerateRequestName(e Entropy) string {
	var b strings.Builder
	b.Grow(RequestNameLength)
	for i := 0; i < RequestNameLength; i++ {
		b.WriteByte(requestNameAlphabet[e.IntN(len(requestNameAlphabet))])
	}
	return b.String()
}

// JobRequest is the JSON body POSTed to a catalog's requests collection.
type JobRequest struct {
	Type           string          `json:"@type"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Universe       Universe        `json:"universe"`
	FieldList      FieldList       `json:"fieldList"`
	Trigger        Trigger         `json:"trigger"`
	Formatting     Formatting      `json:"formatting"`
	RuntimeOptions *RuntimeOptions `json:"runtimeOptions,omitempty"`
}

type Universe struct {
	Type     string          `json:"@type"`
	Contains []UniverseEntry `json:"contains"`
}

type UniverseEntry struct {
	Type            string          `json:"@type"`
	IdentifierType  string          `json:"identifierType"`
	IdentifierValue string          `json:"identifierValue"`
	FieldOverrides  []FieldOverride `json:"fieldOverrides,omitempty"`
}

// FieldOverride changes how one field is computed for one security.
type FieldOverride struct {
	Type     string `json:"@type"`
	Mnemonic string `json:"mnemonic"`
	Override string `json:"override"`
}

// NewFieldOverride returns an override with its @type set.
func NewFieldOverride(mnemonic, value string) FieldOverride {
	return FieldOverride{Type: "FieldOverride", Mnemonic: mnemonic, Override: value}
}

type FieldList struct {
	Type     string  `json:"@type"`
	Contains []Field `json:"contains"`
}

type Field struct {
	Mnemonic string `json:"mnemonic"`
}

type Trigger struct {
	Type string `json:"@type"`
}

type Formatting struct {
	Type            string `json:"@type"`
	OutputMediaType string `json:"outputMediaType"`
}

type RuntimeOptions struct {
	Type      string          `json:"@type"`
	DateRange DateRangeOption `json:"dateRange"`
}

type DateRangeOption struct {
	Type      string `json:"@type"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

// RequestSpec describes a job independent of the wire format.
type RequestSpec struct {
	Type        string // HistoryRequestType or DataRequestType
	Name        string
	Description string
	Identifiers []domain.Identifier
	Fields      []string
	Overrides   []FieldOverride // applied to every identifier
	// Range is required for history requests and ignored otherwise.
	Range domain.DateRange
}

// NewJobRequest builds the wire request described by rs. Output is always CSV.
func NewJobRequest(rs RequestSpec) *JobRequest {
	listType := "DataFieldList"
	if rs.Type == HistoryRequestType {
		listType = "HistoryFieldList"
	}

	req := &JobRequest{
		Type:        rs.Type,
		Name:        rs.Name,
		Description: rs.Description,
		Universe:    Universe{Type: "Universe"},
		FieldList:   FieldList{Type: listType},
		Trigger:     Trigger{Type: "SubmitTrigger"},
		Formatting:  Formatting{Type: "MediaType", OutputMediaType: "text/csv"},
	}

	for _, id := range rs.Identifiers {
		entry := UniverseEntry{
			Type:            "Identifier",
			IdentifierType:  "TICKER",
			IdentifierValue: id.String(),
		}
		if len(rs.Overrides) > 0 {
			entry.FieldOverrides = append([]FieldOverride(nil), rs.Overrides...)
		}
		req.Universe.Contains = append(req.Universe.Contains, entry)
	}
	for _, f := range rs.Fields {
		req.FieldList.Contains = append(req.FieldList.Contains, Field{Mnemonic: f})
	}

	if rs.Type == HistoryRequestType {
		req.RuntimeOptions = &RuntimeOptions{
			Type: "HistoryRuntimeOptions",
			DateRange: DateRangeOption{
				Type:      "IntervalDateRange",
				StartDate: rs.Range.Start.Format(domain.DateFormat),
				EndDate:   rs.Range.End.Format(domain.DateFormat),
			},
		}
	}
	return req
}

// Identifiers returns the normalized identifiers in the request universe.
func (r *JobRequest) Identifiers() []domain.Identifier {
	ids := make([]domain.Identifier, 0, len(r.Universe.Contains))
	for _, e := range r.Universe.Contains {
		ids = append(ids, domain.NewIdentifier(e.IdentifierValue))
	}
	return ids
}

// Validate rejects requests the vendor would refuse.
func (r *JobRequest) Validate() error {
	switch {
	case r.Type == "":
		return fmt.Errorf("request type is empty")
	case r.Name == "":
		return fmt.Errorf("request name is empty")
	case len(r.Universe.Contains) == 0:
		return fmt.Errorf("request %s has an empty universe", r.Name)
	case len(r.FieldList.Contains) == 0:
		return fmt.Errorf("request %s has no fields", r.Name)
	}
	if r.Type == HistoryRequestType {
		if r.RuntimeOptions == nil {
			return fmt.Errorf("history request %s has no date range", r.Name)
		}
		start, err := domain.ParseDay(r.RuntimeOptions.DateRange.StartDate)
		if err != nil {
			return fmt.Errorf("request %s start date: %w", r.Name, err)
		}
		end, err := domain.ParseDay(r.RuntimeOptions.DateRange.EndDate)
		if err != nil {
			return fmt.Errorf("request %s end date: %w", r.Name, err)
		}
		if start.After(end) {
			return fmt.Errorf("request %s start %s after end %s", r.Name,
				r.RuntimeOptions.DateRange.StartDate, r.RuntimeOptions.DateRange.EndDate)
		}
	}
	return nil
}
