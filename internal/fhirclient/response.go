package fhirclient

import (
	"encoding/json"
	"strings"
)

// StateApproved is the claim-state code that releases a
// preauthorization for final submission.
const StateApproved = "approved"

type bundleResponse struct {
	Entry []struct {
		Resource struct {
			ResourceType string `json:"resourceType"`
			ID           string `json:"id"`
		} `json:"resource"`
	} `json:"entry"`
}

type claimResponse struct {
	Extension []struct {
		URL                  string `json:"url"`
		ValueCodeableConcept struct {
			Coding []struct {
				System string `json:"system"`
				Code   string `json:"code"`
			} `json:"coding"`
		} `json:"valueCodeableConcept"`
	} `json:"extension"`
}

// ExtractClaimID returns the id of the Claim entry in a submission
// response, or "" when the response carries none. A missing id on an
// otherwise successful submission is a terminal condition for the
// record, not a retryable one.
func ExtractClaimID(body []byte) string {
	var resp bundleResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	for _, entry := range resp.Entry {
		if entry.Resource.ResourceType == "Claim" {
			return entry.Resource.ID
		}
	}
	return ""
}

// ClaimState reads the adjudication state code from a fetched claim's
// claim-state extension. Returns "" when the extension is absent or
// the body is not a claim resource.
func ClaimState(body []byte) string {
	var resp claimResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	for _, ext := range resp.Extension {
		if !strings.HasSuffix(ext.URL, "claim-state-extension") {
			continue
		}
		for _, coding := range ext.ValueCodeableConcept.Coding {
			if strings.HasSuffix(coding.System, "claim-state") {
				return coding.Code
			}
		}
	}
	return ""
}

// IsApproved reports whether a fetched claim has reached the approved
// state.
func IsApproved(body []byte) bool {
	return ClaimState(body) == StateApproved
}
