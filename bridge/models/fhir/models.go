// fhir package contains structs representing FHIR data.
// These data models are a lighter weight definition containing the fields the
// bridge needs, rather than a full FHIR model set.
package fhir

type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Total        uint   `json:"total"`
}

type Bundle struct {
	Resource
	Links []struct {
		Relation string `json:"relation"`
		URL      string `json:"url"`
	} `json:"link"`
	Entries []BundleEntry `json:"entry"`
}

type BundleEntry map[string]interface{}

// OperationOutcome is the error shape the upstream returns on failure.
type OperationOutcome struct {
	ResourceType string `json:"resourceType"`
	Issues       []struct {
		Severity    string `json:"severity"`
		Code        string `json:"code"`
		Diagnostics string `json:"diagnostics"`
	} `json:"issue"`
}
