package claims

// FHIR resource fragments for the claim submission bundle. Only the
// fields the adjudication service reads are modelled; everything else
// is omitted from the wire payload via omitempty.

// Bundle is the message bundle posted to the claims endpoint.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id"`
	Meta         *Meta         `json:"meta,omitempty"`
	Timestamp    string        `json:"timestamp"`
	Type         string        `json:"type"`
	Entry        []BundleEntry `json:"entry"`
}

// BundleEntry wraps one resource with its fullUrl.
type BundleEntry struct {
	FullURL  string `json:"fullUrl"`
	Resource any    `json:"resource"`
}

// Meta carries profile declarations.
type Meta struct {
	Profile []string `json:"profile,omitempty"`
}

// Coding is a system/code pair.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// CodeableConcept is a coded value with optional text.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Reference points at another resource.
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
}

// ResourceIdentifier is a FHIR identifier element.
type ResourceIdentifier struct {
	Use    string `json:"use,omitempty"`
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

// FHIRMoney is a money element on the wire.
type FHIRMoney struct {
	Value    float64 `json:"value"`
	Currency string  `json:"currency,omitempty"`
}

// Quantity is a bare numeric quantity.
type Quantity struct {
	Value float64 `json:"value"`
}

// FHIRPeriod is a start/end pair.
type FHIRPeriod struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Extension is a FHIR extension; exactly one value field is set.
type Extension struct {
	URL                  string              `json:"url"`
	ValueString          string              `json:"valueString,omitempty"`
	ValueDate            string              `json:"valueDate,omitempty"`
	ValueMoney           *FHIRMoney          `json:"valueMoney,omitempty"`
	ValueIdentifier      *ResourceIdentifier `json:"valueIdentifier,omitempty"`
	ValueCodeableConcept *CodeableConcept    `json:"valueCodeableConcept,omitempty"`
	Extension            []Extension         `json:"extension,omitempty"`
}

// HumanName is the patient name element.
type HumanName struct {
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

// CoverageResource declares the scheme coverage for the beneficiary.
type CoverageResource struct {
	ResourceType string               `json:"resourceType"`
	ID           string               `json:"id"`
	Extension    []Extension          `json:"extension,omitempty"`
	Identifier   []ResourceIdentifier `json:"identifier,omitempty"`
	Status       string               `json:"status"`
	Beneficiary  Reference            `json:"beneficiary"`
}

// OrganizationResource is the submitting provider facility.
type OrganizationResource struct {
	ResourceType string               `json:"resourceType"`
	ID           string               `json:"id"`
	Meta         *Meta                `json:"meta,omitempty"`
	Identifier   []ResourceIdentifier `json:"identifier,omitempty"`
	Active       bool                 `json:"active"`
	Type         []CodeableConcept    `json:"type,omitempty"`
	Name         string               `json:"name,omitempty"`
	Extension    []Extension          `json:"extension,omitempty"`
}

// PatientResource is the beneficiary demographic resource.
type PatientResource struct {
	ResourceType string               `json:"resourceType"`
	ID           string               `json:"id"`
	Meta         *Meta                `json:"meta,omitempty"`
	Gender       string               `json:"gender,omitempty"`
	BirthDate    string               `json:"birthDate,omitempty"`
	Identifier   []ResourceIdentifier `json:"identifier,omitempty"`
	Name         []HumanName          `json:"name,omitempty"`
}

// SupportingInfo is a claim attachment slot.
type SupportingInfo struct {
	Sequence        int              `json:"sequence"`
	Category        CodeableConcept  `json:"category"`
	ValueAttachment *ValueAttachment `json:"valueAttachment,omitempty"`
}

// ValueAttachment describes an attached document.
type ValueAttachment struct {
	URL         string      `json:"url,omitempty"`
	Size        string      `json:"size,omitempty"`
	Title       string      `json:"title,omitempty"`
	ContentType string      `json:"contentType,omitempty"`
	Language    string      `json:"language,omitempty"`
	Extension   []Extension `json:"extension,omitempty"`
}

// Diagnosis is one diagnosis line on the claim.
type Diagnosis struct {
	Sequence                 int             `json:"sequence"`
	DiagnosisCodeableConcept CodeableConcept `json:"diagnosisCodeableConcept"`
}

// RelatedClaim cross-references a prior claim, e.g. an approved
// preauthorization.
type RelatedClaim struct {
	Claim        RelatedClaimRef `json:"claim"`
	Relationship CodeableConcept `json:"relationship"`
}

// RelatedClaimRef identifies the referenced claim.
type RelatedClaimRef struct {
	Identifier ResourceIdentifier `json:"identifier"`
}

// ClaimItem is one billed line on the claim resource.
type ClaimItem struct {
	Sequence         int             `json:"sequence"`
	ProductOrService CodeableConcept `json:"productOrService"`
	ServicedPeriod   *FHIRPeriod     `json:"servicedPeriod,omitempty"`
	Quantity         *Quantity       `json:"quantity,omitempty"`
	UnitPrice        *FHIRMoney      `json:"unitPrice,omitempty"`
	Factor           float64         `json:"factor,omitempty"`
	Net              *FHIRMoney      `json:"net,omitempty"`
}

// ClaimResource is the claim itself.
type ClaimResource struct {
	ResourceType   string               `json:"resourceType"`
	ID             string               `json:"id"`
	Status         string               `json:"status"`
	Use            string               `json:"use"`
	Created        string               `json:"created,omitempty"`
	Provider       Reference            `json:"provider"`
	Patient        Reference            `json:"patient"`
	Priority       *CodeableConcept     `json:"priority,omitempty"`
	Type           *CodeableConcept     `json:"type,omitempty"`
	SubType        *CodeableConcept     `json:"subType,omitempty"`
	Total          *FHIRMoney           `json:"total,omitempty"`
	BillablePeriod *FHIRPeriod          `json:"billablePeriod,omitempty"`
	SupportingInfo []SupportingInfo     `json:"supportingInfo,omitempty"`
	Diagnosis      []Diagnosis          `json:"diagnosis,omitempty"`
	Related        []RelatedClaim       `json:"related,omitempty"`
	Extension      []Extension          `json:"extension,omitempty"`
	Identifier     []ResourceIdentifier `json:"identifier,omitempty"`
	Item           []ClaimItem          `json:"item,omitempty"`
}
