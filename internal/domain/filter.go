package domain

// FilterNode is one node of an audience filter tree: either a Rule or a
// Group. The same tree doubles as the condition language for drip branches
// and exit rules.
type FilterNode interface {
	filterNode()
}

// Match is the boolean combinator of a Group.
type Match string

const (
	MatchAll Match = "all"
	MatchAny Match = "any"
)

// Operator is a rule comparison.
type Operator string

const (
	OpEquals     Operator = "equals"
	OpNotEquals  Operator = "not_equals"
	OpContains   Operator = "contains"
	OpNotContain Operator = "not_contains"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
	OpGT         Operator = "gt"
	OpGTE        Operator = "gte"
	OpLT         Operator = "lt"
	OpLTE        Operator = "lte"
	OpIn         Operator = "in"
	OpNotIn      Operator = "not_in"
	OpIsNull     Operator = "is_null"
	OpIsNotNull  Operator = "is_not_null"
	OpBetween    Operator = "between"
	OpDateRange  Operator = "date_range"
)

// DatePreset names a relative date window used with OpDateRange.
type DatePreset string

const (
	PresetToday      DatePreset = "today"
	PresetYesterday  DatePreset = "yesterday"
	PresetLast7Days  DatePreset = "last_7_days"
	PresetLast30Days DatePreset = "last_30_days"
	PresetLast90Days DatePreset = "last_90_days"
	PresetThisMonth  DatePreset = "this_month"
	PresetLastMonth  DatePreset = "last_month"
	PresetThisYear   DatePreset = "this_year"
)

// Rule compares one recipient field against a value.
//
// Value holds a scalar for most operators, a []any for in/not_in and
// between, a DatePreset (or its string form) for date_range, and is ignored
// for is_null/is_not_null.
type Rule struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

// Group combines children with ALL (AND) or ANY (OR). A group with no
// children matches nothing.
type Group struct {
	Match    Match        `json:"match"`
	Children []FilterNode `json:"children"`
}

func (Rule) filterNode()  {}
func (Group) filterNode() {}
