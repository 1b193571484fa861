package aggregator

import (
	"fmt"
	"net/url"

	"github.com/pkg/errors"

	"github.com/clinsight/fhir-bridge/bridge/codes"
	"github.com/clinsight/fhir-bridge/bridge/models"
)

const dateLayout = "2006-01-02T15:04:05Z07:00"

// Decompose expands a clinical query into the upstream calls that answer it.
// The expansion is deterministic: the same query always yields the same
// sub-queries in the same order, and each sub-query's label names the slot
// its result will occupy.
func Decompose(q models.ClinicalQuery) ([]models.SubQuery, error) {
	switch q.Category {
	case models.CategoryVitals:
		return groupQueries(q, "Observation", codes.VitalGroups())
	case models.CategoryLabs:
		return groupQueries(q, "Observation", codes.CriticalLabGroups())
	case models.CategoryFluidBalance:
		return groupQueries(q, "Observation", codes.FluidGroups())
	case models.CategoryConditions:
		return []models.SubQuery{singleQuery(q, "Condition", "conditions", "onset-date")}, nil
	case models.CategoryMedications:
		return []models.SubQuery{singleQuery(q, "MedicationRequest", "medications", "authoredon")}, nil
	case models.CategoryEncounters:
		return []models.SubQuery{singleQuery(q, "Encounter", "encounters", "date")}, nil
	default:
		return nil, errors.Errorf("cannot decompose category %s", q.Category)
	}
}

// GroupFor returns the code group backing a sub-query label. Labels of
// uncoded categories (conditions, medications, encounters) have no group.
func GroupFor(label string) codes.Group {
	g, _ := codes.FindGroup(label)
	return g
}

func groupQueries(q models.ClinicalQuery, path string, groups []codes.Group) ([]models.SubQuery, error) {
	if q.Code != "" {
		var match *codes.Group
		for i := range groups {
			if groups[i].Label == q.Code || groups[i].Recognizes(q.Code) {
				match = &groups[i]
				break
			}
		}
		if match == nil {
			return nil, errors.Errorf("code %s is not part of category %s", q.Code, q.Category)
		}
		groups = []codes.Group{*match}
	}

	var subs []models.SubQuery
	for _, g := range groups {
		params := baseParams(q, "date")
		params.Set("code", codeParam(g))
		subs = append(subs, models.SubQuery{
			Label:  g.Label,
			Path:   path,
			Params: params,
		})
	}
	return subs, nil
}

func singleQuery(q models.ClinicalQuery, path, label, dateParam string) models.SubQuery {
	return models.SubQuery{
		Label:  label,
		Path:   path,
		Params: baseParams(q, dateParam),
	}
}

func baseParams(q models.ClinicalQuery, dateParam string) url.Values {
	params := url.Values{}
	params.Set("patient", q.PatientID)
	if !q.From.IsZero() {
		params.Add(dateParam, "ge"+q.From.UTC().Format(dateLayout))
	}
	if !q.To.IsZero() {
		params.Add(dateParam, "le"+q.To.UTC().Format(dateLayout))
	}
	if q.Latest {
		params.Set("_sort", "-"+dateParam)
		params.Set("_count", "1")
	}
	return params
}

func codeParam(g codes.Group) string {
	var out string
	for i, c := range g.Codes {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%s|%s", g.System, c)
	}
	return out
}
