package claims

// UseType is the declared intent of a claim record.
type UseType string

const (
	// UseClaim is a plain claim submitted in a single phase.
	UseClaim UseType = "claim"

	// UsePreauth requires an approved preauthorization before the final claim.
	UsePreauth UseType = "preauth-claim"

	// UseRelated is a claim referencing a previously submitted claim.
	UseRelated UseType = "related"
)

// Identifier is a system-scoped identifier (SHA number, national ID, facility code).
type Identifier struct {
	System string
	Value  string
}

// Money is an amount with a fixed currency.
type Money struct {
	Value    float64
	Currency string
}

// Period is a calendar-date range in YYYY-MM-DD form.
type Period struct {
	Start string
	End   string
}

// Patient holds the beneficiary fields extracted from a spreadsheet row.
type Patient struct {
	ID          string
	Name        string
	Gender      string
	BirthDate   string
	Identifiers []Identifier
}

// Provider holds the submitting facility fields.
type Provider struct {
	ID          string
	Name        string
	Level       string
	Active      bool
	Identifiers []Identifier
}

// LineItem is one billed product or service on a claim.
type LineItem struct {
	Sequence      int
	Code          string
	Display       string
	Quantity      float64
	UnitPrice     Money
	Net           Money
	ServicePeriod Period
}

// BillablePeriod is the claim-level service window plus creation date.
type BillablePeriod struct {
	Start   string
	End     string
	Created string
}

// ClaimRecord is one normalized spreadsheet row. It is immutable once
// constructed by the reader; the pipeline only ever copies it.
type ClaimRecord struct {
	// RowIndex is the 1-based row in the source sheet the record came
	// from. Result annotation aligns on this index.
	RowIndex int

	Patient  Patient
	Provider Provider

	Use          UseType
	ClaimSubType string

	Items          []LineItem
	BillablePeriod BillablePeriod
	Total          Money

	// ApprovedAmount replaces the claimed amounts on the final
	// submission of a preauthorized claim.
	ApprovedAmount float64

	// RelatedClaimID links this record to a prior claim when Use is
	// "related" or when the spreadsheet supplies one explicitly.
	RelatedClaimID string
}

// ParsedRow pairs a record with the normalization error that produced
// it. Rows that fail normalization are not dropped from the stream;
// they surface downstream as failed outcomes so job totals account for
// every data row.
type ParsedRow struct {
	Record ClaimRecord
	Err    error
}

// IsPreauth reports whether the record follows the two-phase
// preauthorization protocol.
func (r ClaimRecord) IsPreauth() bool {
	return r.Use == UsePreauth
}
