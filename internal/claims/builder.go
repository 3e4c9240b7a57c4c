package claims

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// useClaim and usePreauthorization are the wire values of the
	// claim's use element, distinct from the spreadsheet-facing
	// UseType declarations.
	useClaim            = "claim"
	usePreauthorization = "preauthorization"

	defaultCurrency = "KES"
)

// ServerURLs holds the identifier-system and terminology roots baked
// into every submission document.
type ServerURLs struct {
	FHIRBase    string
	Terminology string
	Provider    string
}

// DefaultServerURLs returns the production identifier roots.
func DefaultServerURLs() ServerURLs {
	return ServerURLs{
		FHIRBase:    "https://qa-mis.apeiro-digital.com/fhir",
		Terminology: "http://terminology.hl7.org",
		Provider:    "https://api-edi.provider.sha.go.ke",
	}
}

// BundleBuilder converts a ClaimRecord into a submission Bundle. The
// mapping is pure: no network or disk access, no shared mutable state.
// Identifier and clock generation are injectable so two builds from the
// same inputs are structurally identical under test.
type BundleBuilder struct {
	urls ServerURLs

	// NewID generates fresh resource identifiers. Defaults to
	// uuid.NewString.
	NewID func() string

	// Now supplies the bundle timestamp and fallback dates. Defaults
	// to time.Now.
	Now func() time.Time
}

// NewBundleBuilder creates a builder with the given server roots.
func NewBundleBuilder(urls ServerURLs) *BundleBuilder {
	return &BundleBuilder{
		urls:  urls,
		NewID: uuid.NewString,
		Now:   time.Now,
	}
}

// Build maps a record plus an optional approved preauthorization id to
// the submission document. When priorAuthID is set the claim carries a
// related cross-reference to it and the approved amount replaces the
// claimed amounts.
func (b *BundleBuilder) Build(rec ClaimRecord, priorAuthID string) (*Bundle, error) {
	if err := b.validate(rec); err != nil {
		return nil, err
	}

	use, err := claimUse(rec, priorAuthID)
	if err != nil {
		return nil, err
	}

	// An explicit related-claim id on the record wins over the id
	// obtained from the preauthorization phase.
	relatedID := rec.RelatedClaimID
	if relatedID == "" {
		relatedID = priorAuthID
	}

	bundle := &Bundle{
		ResourceType: "Bundle",
		ID:           b.NewID(),
		Meta: &Meta{
			Profile: []string{b.urls.FHIRBase + "/StructureDefinition/bundle|1.0.0"},
		},
		Timestamp: b.Now().UTC().Format(time.RFC3339),
		Type:      "message",
	}

	bundle.Entry = []BundleEntry{
		b.coverageEntry(rec.Patient),
		b.organizationEntry(rec.Provider),
		b.patientEntry(rec.Patient),
		b.claimEntry(rec, use, relatedID, priorAuthID != ""),
	}

	return bundle, nil
}

// claimUse derives the wire use value. Preauthorization intent with no
// prior id starts the two-phase flow; a prior id or a plain/related
// declaration yields a final claim; anything else is a caller error.
func claimUse(rec ClaimRecord, priorAuthID string) (string, error) {
	if rec.IsPreauth() && priorAuthID == "" {
		return usePreauthorization, nil
	}
	if priorAuthID != "" || rec.Use == UseClaim || rec.Use == UseRelated {
		return useClaim, nil
	}
	return "", NewValidationError("use", fmt.Sprintf("unrecognized declared use %q", rec.Use))
}

func (b *BundleBuilder) validate(rec ClaimRecord) error {
	if rec.Patient.ID == "" {
		return NewValidationError("patientId", "patient identifier is required")
	}
	if rec.Provider.ID == "" {
		return NewValidationError("providerFID", "provider identifier is required")
	}
	if len(rec.Items) == 0 {
		return NewValidationError("productOrService", "at least one line item is required")
	}
	if err := validAmount("totalValue", rec.Total.Value); err != nil {
		return err
	}
	for _, item := range rec.Items {
		if math.IsNaN(item.Quantity) || item.Quantity <= 0 {
			return NewValidationError("productOrServiceQuantity",
				fmt.Sprintf("quantity must be positive, got %v", item.Quantity))
		}
		if err := validAmount("productOrServiceUnitPrice", item.UnitPrice.Value); err != nil {
			return err
		}
		if err := validAmount("productOrServiceNetValue", item.Net.Value); err != nil {
			return err
		}
	}
	return nil
}

func validAmount(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return NewValidationError(field, fmt.Sprintf("amount must be a non-negative number, got %v", v))
	}
	return nil
}

func (b *BundleBuilder) coverageEntry(p Patient) BundleEntry {
	coverageID := p.ID + "-sha-coverage"
	return BundleEntry{
		FullURL: fmt.Sprintf("%s/Coverage/%s", b.urls.FHIRBase, coverageID),
		Resource: CoverageResource{
			ResourceType: "Coverage",
			ID:           coverageID,
			Extension: []Extension{
				{URL: b.urls.FHIRBase + "/StructureDefinition/schemeCategoryCode", ValueString: "CAT-SHA-001"},
				{URL: b.urls.FHIRBase + "/StructureDefinition/schemeCategoryName", ValueString: "SOCIAL HEALTH AUTHORITY"},
			},
			Identifier: []ResourceIdentifier{
				{Use: "official", Value: coverageID},
			},
			Status: "active",
			Beneficiary: Reference{
				Reference: fmt.Sprintf("%s/Patient/%s", b.urls.FHIRBase, p.ID),
				Type:      "Patient",
			},
		},
	}
}

func (b *BundleBuilder) organizationEntry(p Provider) BundleEntry {
	return BundleEntry{
		FullURL: fmt.Sprintf("%s/Organization/%s", b.urls.FHIRBase, p.ID),
		Resource: OrganizationResource{
			ResourceType: "Organization",
			ID:           p.ID,
			Meta: &Meta{
				Profile: []string{b.urls.FHIRBase + "/StructureDefinition/provider-organization|1.0.0"},
			},
			Identifier: []ResourceIdentifier{
				{Use: "official", System: b.urls.FHIRBase + "/license/provider-license", Value: "PR-FHIR"},
			},
			Active: true,
			Type: []CodeableConcept{
				{Coding: []Coding{{System: b.urls.FHIRBase + "/terminology/CodeSystem/organization-type", Code: "prov"}}},
			},
			Name: p.Name,
			Extension: []Extension{
				{
					URL: b.urls.FHIRBase + "/StructureDefinition/facility-level",
					ValueCodeableConcept: &CodeableConcept{
						Coding: []Coding{{
							System:  b.urls.FHIRBase + "/StructureDefinition/facility-level",
							Code:    p.Level,
							Display: p.Level,
						}},
					},
				},
			},
		},
	}
}

func (b *BundleBuilder) patientEntry(p Patient) BundleEntry {
	nationalID := identifierValue(p.Identifiers, "NationalID")

	identifiers := []ResourceIdentifier{
		{Use: "official", System: b.urls.FHIRBase + "/identifier/shanumber", Value: p.ID},
	}
	if nationalID != "" {
		identifiers = append(identifiers,
			ResourceIdentifier{Use: "official", System: b.urls.FHIRBase + "/identifier/nationalid", Value: nationalID},
			ResourceIdentifier{Use: "official", System: b.urls.FHIRBase + "/identifier/other", Value: nationalID},
		)
	}

	return BundleEntry{
		FullURL: fmt.Sprintf("%s/Patient/%s", b.urls.FHIRBase, p.ID),
		Resource: PatientResource{
			ResourceType: "Patient",
			ID:           p.ID,
			Meta: &Meta{
				Profile: []string{b.urls.FHIRBase + "/StructureDefinition/patient|1.0.0"},
			},
			Gender:     p.Gender,
			BirthDate:  p.BirthDate,
			Identifier: identifiers,
			Name:       []HumanName{splitName(p.Name)},
		},
	}
}

// claimEntry builds the claim itself. final is true on the second phase
// of a preauthorized submission, where the approved amount and the
// current date replace the claimed values.
func (b *BundleBuilder) claimEntry(rec ClaimRecord, use, relatedID string, final bool) BundleEntry {
	today := b.Now().UTC().Format("2006-01-02")

	amount := rec.Total.Value
	if final {
		amount = rec.ApprovedAmount
	}
	currency := rec.Total.Currency
	if currency == "" {
		currency = defaultCurrency
	}

	billable := &FHIRPeriod{
		Start: rec.BillablePeriod.Start + "T10:40:22+03:00",
		End:   rec.BillablePeriod.End + "T12:00:47+03:00",
	}
	if final {
		billable = &FHIRPeriod{
			Start: today + "T10:40:22+03:00",
			End:   today + "T12:00:47+03:00",
		}
	}

	claim := ClaimResource{
		ResourceType: "Claim",
		ID:           b.NewID(),
		Status:       "active",
		Use:          use,
		Created:      rec.BillablePeriod.Created,
		Provider: Reference{
			Reference: fmt.Sprintf("%s/Organization/%s", b.urls.FHIRBase, rec.Provider.ID),
		},
		Patient: Reference{
			Reference: fmt.Sprintf("%s/Patient/%s", b.urls.FHIRBase, rec.Patient.ID),
		},
		Priority: &CodeableConcept{
			Coding: []Coding{{System: b.urls.Terminology + "/CodeSystem/processpriority", Code: "normal"}},
		},
		Type: &CodeableConcept{
			Coding: []Coding{{System: b.urls.Terminology + "/CodeSystem/claim-type", Code: "institutional"}},
		},
		Total:          &FHIRMoney{Value: amount, Currency: currency},
		BillablePeriod: billable,
		SupportingInfo: b.supportingInfo(),
		Diagnosis: []Diagnosis{
			{
				Sequence: 1,
				DiagnosisCodeableConcept: CodeableConcept{
					Coding: []Coding{{
						System:  b.urls.FHIRBase + "/terminology/CodeSystem/icd-10",
						Code:    "BC00",
						Display: "Multiple valve disease",
					}},
				},
			},
		},
		Extension: b.invoiceExtension(rec, amount, currency),
		Identifier: []ResourceIdentifier{
			{System: b.urls.FHIRBase + "/claim", Value: b.NewID()},
		},
	}

	if rec.ClaimSubType != "" {
		claim.SubType = &CodeableConcept{
			Coding: []Coding{{System: b.urls.Terminology + "/CodeSystem/ex-claimsubtype", Code: rec.ClaimSubType}},
		}
	}

	if relatedID != "" {
		claim.Related = []RelatedClaim{
			{
				Claim: RelatedClaimRef{
					Identifier: ResourceIdentifier{System: b.urls.FHIRBase + "/claim", Value: relatedID},
				},
				Relationship: CodeableConcept{
					Coding: []Coding{{System: b.urls.FHIRBase + "/CodeSystem/claim-relation-type", Code: "pre-auth"}},
					Text:   "Preauthorization",
				},
			},
		}
	}

	for i, item := range rec.Items {
		unitPrice := item.UnitPrice.Value
		net := item.Net.Value
		period := &FHIRPeriod{Start: item.ServicePeriod.Start, End: item.ServicePeriod.End}
		if final {
			unitPrice = rec.ApprovedAmount
			net = rec.ApprovedAmount
			period = &FHIRPeriod{Start: today, End: today}
		}
		claim.Item = append(claim.Item, ClaimItem{
			Sequence: i + 1,
			ProductOrService: CodeableConcept{
				Coding: []Coding{{
					System:  b.urls.FHIRBase + "/CodeSystem/intervention-codes",
					Code:    item.Code,
					Display: item.Display,
				}},
			},
			ServicedPeriod: period,
			Quantity:       &Quantity{Value: item.Quantity},
			UnitPrice:      &FHIRMoney{Value: unitPrice, Currency: currency},
			Factor:         1,
			Net:            &FHIRMoney{Value: net, Currency: currency},
		})
	}

	return BundleEntry{
		FullURL:  fmt.Sprintf("%s/Claim/%s", b.urls.FHIRBase, b.NewID()),
		Resource: claim,
	}
}

func (b *BundleBuilder) supportingInfo() []SupportingInfo {
	category := CodeableConcept{
		Coding: []Coding{{
			System:  b.urls.Terminology + "/CodeSystem/claiminformationcategory",
			Code:    "attachment",
			Display: "Attachment",
		}},
	}
	attachmentType := func(code, display string) []Extension {
		return []Extension{
			{
				URL: b.urls.FHIRBase + "/CodeSystem/attachment-type",
				ValueCodeableConcept: &CodeableConcept{
					Coding: []Coding{{
						System:  b.urls.FHIRBase + "/CodeSystem/attachment-type",
						Code:    code,
						Display: display,
					}},
				},
			},
		}
	}

	return []SupportingInfo{
		{
			Sequence: 1,
			Category: category,
			ValueAttachment: &ValueAttachment{
				URL:         b.urls.Provider + "/media/edi/default.pdf",
				Size:        "15765",
				Title:       "Claim Attachment.pdf",
				ContentType: "application/pdf",
				Language:    "en",
				Extension:   attachmentType("discharge-summary", "Discharge Summary"),
			},
		},
		{
			Sequence: 2,
			Category: category,
			ValueAttachment: &ValueAttachment{
				URL:         b.urls.Provider + "/media/edi/default.pdf",
				Size:        "15765",
				Title:       "Lab Results.pdf",
				ContentType: "application/pdf",
				Language:    "en",
				Extension:   attachmentType("other", "Other"),
			},
		},
	}
}

func (b *BundleBuilder) invoiceExtension(rec ClaimRecord, amount float64, currency string) []Extension {
	return []Extension{
		{
			URL: b.urls.FHIRBase + "/StructureDefinition/extension-patientInvoice",
			Extension: []Extension{
				{URL: "invoiceNumber", ValueString: "FUKVC34"},
				{URL: "invoiceDate", ValueDate: rec.BillablePeriod.Created},
				{URL: "invoiceAmount", ValueMoney: &FHIRMoney{Value: amount, Currency: currency}},
				{
					URL:        b.urls.FHIRBase + "/StructureDefinition/extension-patient-share",
					ValueMoney: &FHIRMoney{Value: amount, Currency: currency},
				},
				{
					URL: b.urls.FHIRBase + "/StructureDefinition/extension-patientInvoiceIdentifier",
					ValueIdentifier: &ResourceIdentifier{
						System: b.urls.FHIRBase + "/identifier/patientInvoice",
						Value:  fmt.Sprintf("%s-invoice-%s", rec.Patient.ID, b.NewID()),
					},
				},
			},
		},
	}
}

func identifierValue(ids []Identifier, system string) string {
	for _, id := range ids {
		if id.System == system {
			return id.Value
		}
	}
	return ""
}

func splitName(full string) HumanName {
	parts := strings.Fields(full)
	if len(parts) == 0 {
		return HumanName{Text: full}
	}
	return HumanName{
		Text:   full,
		Family: parts[len(parts)-1],
		Given:  parts[:len(parts)-1],
	}
}
