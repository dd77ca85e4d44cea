package segmentation

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// Compiler turns filter trees into executable recipient predicates and SQL
// fragments. A Compiler is immutable and safe for concurrent use.
type Compiler struct {
	loc    *time.Location
	strict bool
	log    *logger.Logger
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithLocation sets the zone in which date presets are resolved. Defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(c *Compiler) {
		if loc != nil {
			c.loc = loc
		}
	}
}

// WithStrict makes Compile fail with ErrUnsupportedRule instead of dropping
// rules whose field or operator it cannot evaluate.
func WithStrict(strict bool) Option {
	return func(c *Compiler) { c.strict = strict }
}

// NewCompiler returns a Compiler with the given options.
func NewCompiler(opts ...Option) *Compiler {
	c := &Compiler{loc: time.UTC, log: logger.With("component", "segmentation")}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DroppedRule records a rule that was ignored during compilation.
// Path is the dot-separated child index from the root ("" for a root rule).
type DroppedRule struct {
	Path     string          `json:"path"`
	Field    string          `json:"field"`
	Operator domain.Operator `json:"operator"`
	Reason   string          `json:"reason"`
}

// Compiled is an executable filter. It is immutable after Compile.
type Compiled struct {
	root    *cnode
	Dropped []DroppedRule
}

type cnode struct {
	match func(r *domain.Recipient) bool
	sql   sq.Sqlizer
}

var matchNone = &cnode{
	match: func(*domain.Recipient) bool { return false },
	sql:   sq.Expr("1=0"),
}

// Match reports whether r satisfies the filter.
func (c *Compiled) Match(r *domain.Recipient) bool {
	if c.root == nil {
		return true
	}
	return c.root.match(r)
}

// Filter returns the matching recipients in input order.
func (c *Compiled) Filter(rs []domain.Recipient) []domain.Recipient {
	out := make([]domain.Recipient, 0, len(rs))
	for i := range rs {
		if c.Match(&rs[i]) {
			out = append(out, rs[i])
		}
	}
	return out
}

// Count returns the number of matching recipients.
func (c *Compiled) Count(rs []domain.Recipient) int {
	n := 0
	for i := range rs {
		if c.Match(&rs[i]) {
			n++
		}
	}
	return n
}

// Sqlizer returns the filter as a WHERE fragment over recipients aliased r.
// Placeholders are "?"; callers pick the format (sq.Dollar for Postgres).
func (c *Compiled) Sqlizer() sq.Sqlizer {
	if c.root == nil {
		return sq.Expr("1=1")
	}
	return c.root.sql
}

// Compile builds an executable filter from tree, resolving relative dates
// against now. It has no side effects besides logging dropped rules.
func (c *Compiler) Compile(tree domain.FilterNode, now time.Time) (*Compiled, error) {
	cc := &compileCtx{Compiler: c, now: now}
	root, err := cc.node(tree, "")
	if err != nil {
		return nil, err
	}
	return &Compiled{root: root, Dropped: cc.dropped}, nil
}

type compileCtx struct {
	*Compiler
	now     time.Time
	dropped []DroppedRule
}

func childPath(parent string, i int) string {
	if parent == "" {
		return strconv.Itoa(i)
	}
	return parent + "." + strconv.Itoa(i)
}

// node compiles n. A nil result with nil error means "no constraint".
func (cc *compileCtx) node(n domain.FilterNode, path string) (*cnode, error) {
	switch v := n.(type) {
	case domain.Rule:
		return cc.rule(v, path)
	case *domain.Rule:
		if v == nil {
			return nil, fmt.Errorf("%w: nil rule at %q", ErrMalformedTree, path)
		}
		return cc.rule(*v, path)
	case domain.Group:
		return cc.group(v, path)
	case *domain.Group:
		if v == nil {
			return nil, fmt.Errorf("%w: nil group at %q", ErrMalformedTree, path)
		}
		return cc.group(*v, path)
	case nil:
		return nil, fmt.Errorf("%w: nil node at %q", ErrMalformedTree, path)
	}
	return nil, fmt.Errorf("%w: unknown node type %T", ErrMalformedTree, n)
}

func (cc *compileCtx) group(g domain.Group, path string) (*cnode, error) {
	match := domain.Match(strings.ToLower(string(g.Match)))
	switch match {
	case "", domain.MatchAll:
		match = domain.MatchAll
	case domain.MatchAny:
	default:
		return nil, fmt.Errorf("%w: unknown match %q at %q", ErrMalformedTree, g.Match, path)
	}

	if len(g.Children) == 0 {
		return matchNone, nil
	}

	parts := make([]*cnode, 0, len(g.Children))
	for i, child := range g.Children {
		cn, err := cc.node(child, childPath(path, i))
		if err != nil {
			return nil, err
		}
		if cn != nil {
			parts = append(parts, cn)
		}
	}

	switch len(parts) {
	case 0:
		// every child was dropped
		return nil, nil
	case 1:
		return parts[0], nil
	}

	if match == domain.MatchAny {
		sqls := make(sq.Or, len(parts))
		for i, p := range parts {
			sqls[i] = p.sql
		}
		return &cnode{
			match: func(r *domain.Recipient) bool {
				for _, p := range parts {
					if p.match(r) {
						return true
					}
				}
				return false
			},
			sql: sqls,
		}, nil
	}

	sqls := make(sq.And, len(parts))
	for i, p := range parts {
		sqls[i] = p.sql
	}
	return &cnode{
		match: func(r *domain.Recipient) bool {
			for _, p := range parts {
				if !p.match(r) {
					return false
				}
			}
			return true
		},
		sql: sqls,
	}, nil
}

func (cc *compileCtx) rule(rule domain.Rule, path string) (*cnode, error) {
	cn, reason := cc.compileRule(rule)
	if reason == "" {
		return cn, nil
	}
	if cc.strict {
		return nil, fmt.Errorf("%w: %s %s at %q: %s", ErrUnsupportedRule, rule.Field, rule.Operator, path, reason)
	}
	cc.dropped = append(cc.dropped, DroppedRule{Path: path, Field: rule.Field, Operator: rule.Operator, Reason: reason})
	cc.log.Warn("segmentation: dropping filter rule",
		"field", rule.Field, "operator", rule.Operator, "path", path, "reason", reason)
	return nil, nil
}

// compileRule returns a non-empty reason when the rule cannot be evaluated.
func (cc *compileCtx) compileRule(rule domain.Rule) (*cnode, string) {
	field := strings.TrimSpace(rule.Field)
	if field == "" {
		return nil, "missing field"
	}

	switch field {
	case nsEngagement + "opened_last_campaign":
		return cc.lastCampaignFlag(rule, "opened_at", func(c domain.CampaignEngagement) bool { return c.Opened })
	case nsEngagement + "clicked_last_campaign":
		return cc.lastCampaignFlag(rule, "clicked_at", func(c domain.CampaignEngagement) bool { return c.Clicked })
	case nsEngagement + "not_opened_last_n_campaigns":
		return cc.notOpenedLastN(rule)
	case nsDeal + "has_active_deal":
		return cc.hasActiveDeal(rule)
	case nsDeal + "won_deal_last_n_days":
		return cc.wonDealLastNDays(rule)
	case nsDeal + "stage":
		return cc.dealStageRule(rule)
	}

	f, ok := lookupScalar(field)
	if !ok {
		return nil, "unknown field"
	}
	test, sqlizer, reason := cc.scalarTest(f, rule)
	if reason != "" {
		return nil, reason
	}
	get := f.get
	return &cnode{
		match: func(r *domain.Recipient) bool { return test(get(r)) },
		sql:   sqlizer,
	}, ""
}

// =============================================================================
// Scalar comparisons
// =============================================================================

func inferMode(op domain.Operator, value any) (valueMode, bool) {
	switch op {
	case domain.OpContains, domain.OpNotContain, domain.OpStartsWith, domain.OpEndsWith:
		return modeString, true
	case domain.OpDateRange:
		return modeTime, true
	case domain.OpIsNull, domain.OpIsNotNull:
		return modeString, true
	}

	sample := value
	if list, ok := toList(value); ok && !isScalarString(value) {
		if len(list) == 0 {
			return modeString, true
		}
		sample = list[0]
	}

	switch op {
	case domain.OpGT, domain.OpGTE, domain.OpLT, domain.OpLTE, domain.OpBetween:
		if isNumber(sample) {
			return modeNumber, true
		}
		if _, ok := toTime(sample); ok {
			return modeTime, true
		}
		if _, ok := toFloat(sample); ok {
			return modeNumber, true
		}
		return 0, false
	}

	switch sample.(type) {
	case bool:
		return modeBool, true
	case time.Time:
		return modeTime, true
	}
	if isNumber(sample) {
		return modeNumber, true
	}
	return modeString, true
}

func isScalarString(v any) bool {
	_, ok := v.(string)
	return ok
}

func convert(mode valueMode, v any) (any, bool) {
	switch mode {
	case modeNumber:
		return toFloat(v)
	case modeTime:
		return toTime(v)
	case modeBool:
		return toBool(v)
	}
	return toString(v), true
}

func equalValues(mode valueMode, a, b any) bool {
	switch mode {
	case modeTime:
		return a.(time.Time).Equal(b.(time.Time))
	case modeString:
		return a.(string) == b.(string)
	}
	return a == b
}

// compareValues orders number and time values.
func compareValues(mode valueMode, a, b any) int {
	if mode == modeTime {
		return a.(time.Time).Compare(b.(time.Time))
	}
	x, y := a.(float64), b.(float64)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func (f scalar) expr(mode valueMode) string {
	if !f.auto {
		if mode == modeString && f.blankIsNull {
			return "COALESCE(" + f.column + ", '')"
		}
		return f.column
	}
	col := "(" + f.column + ")"
	switch mode {
	case modeNumber:
		return "(CASE WHEN " + col + " ~ '" + numericText + "' THEN " + col + "::numeric END)"
	case modeTime:
		return "(CASE WHEN " + col + " ~ '" + isoTimeText + "' THEN try_timestamptz" + col + " END)"
	case modeBool:
		return "(CASE WHEN " + col + " ~* '" + boolText + "' THEN " + col + "::boolean END)"
	}
	return "COALESCE(" + f.column + ", '')"
}

// Custom field text is only cast when it has the shape the in-memory
// coercion accepts, so one malformed value cannot fail a whole query.
// The patterns avoid '?' because squirrel treats it as a placeholder.
const (
	numericText = `^\s*[-+]{0,1}([0-9]+(\.[0-9]*){0,1}|\.[0-9]+)([eE][-+]{0,1}[0-9]+){0,1}\s*$`
	isoTimeText = `^\s*[0-9]{4}-[0-9]{2}-[0-9]{2}(T[0-9]{2}:[0-9]{2}:[0-9]{2}(\.[0-9]+){0,1}(Z|[-+][0-9]{2}:[0-9]{2}){0,1}){0,1}\s*$`
	boolText    = `^\s*(1|0|t|f|true|false)\s*$`
)

// scalarTest compiles a comparison on one attribute into a value test and
// the equivalent SQL condition.
func (cc *compileCtx) scalarTest(f scalar, rule domain.Rule) (func(raw any) bool, sq.Sqlizer, string) {
	op := rule.Operator
	mode := f.mode
	if f.auto {
		m, ok := inferMode(op, rule.Value)
		if !ok {
			return nil, nil, "value is neither numeric nor a date"
		}
		mode = m
	}
	col := f.expr(mode)

	// actual converts a stored value; string mode treats null as "".
	actual := func(raw any) (any, bool) {
		if mode == modeString {
			return toString(raw), true
		}
		if raw == nil {
			return nil, false
		}
		return convert(mode, raw)
	}

	switch op {
	case domain.OpIsNull, domain.OpIsNotNull:
		want := op == domain.OpIsNull
		isNull := func(raw any) bool {
			if raw == nil {
				return true
			}
			if f.blankIsNull {
				return toString(raw) == ""
			}
			return false
		}
		var cond string
		if f.blankIsNull {
			cond = "COALESCE(" + f.column + ", '') = ''"
		} else {
			cond = f.column + " IS NULL"
		}
		if !want {
			cond = "NOT (" + cond + ")"
		}
		return func(raw any) bool { return isNull(raw) == want }, sq.Expr(cond), ""

	case domain.OpEquals, domain.OpNotEquals:
		want, ok := convert(mode, rule.Value)
		if !ok {
			return nil, nil, "value does not match field type"
		}
		eq := op == domain.OpEquals
		test := func(raw any) bool {
			a, ok := actual(raw)
			return ok && equalValues(mode, a, want) == eq
		}
		if eq {
			return test, sq.Eq{col: want}, ""
		}
		return test, sq.NotEq{col: want}, ""

	case domain.OpContains, domain.OpNotContain, domain.OpStartsWith, domain.OpEndsWith:
		if mode != modeString {
			return nil, nil, "operator requires a text field"
		}
		needle := toString(rule.Value)
		lower := strings.ToLower(needle)
		var (
			test    func(s string) bool
			sqlizer sq.Sqlizer
		)
		switch op {
		case domain.OpContains:
			test = func(s string) bool { return strings.Contains(s, lower) }
			sqlizer = sq.ILike{col: likePattern(true, needle, true)}
		case domain.OpNotContain:
			test = func(s string) bool { return !strings.Contains(s, lower) }
			sqlizer = sq.NotILike{col: likePattern(true, needle, true)}
		case domain.OpStartsWith:
			test = func(s string) bool { return strings.HasPrefix(s, lower) }
			sqlizer = sq.ILike{col: likePattern(false, needle, true)}
		default:
			test = func(s string) bool { return strings.HasSuffix(s, lower) }
			sqlizer = sq.ILike{col: likePattern(true, needle, false)}
		}
		return func(raw any) bool { return test(strings.ToLower(toString(raw))) }, sqlizer, ""

	case domain.OpGT, domain.OpGTE, domain.OpLT, domain.OpLTE:
		if mode != modeNumber && mode != modeTime {
			return nil, nil, "operator requires a numeric or date field"
		}
		want, ok := convert(mode, rule.Value)
		if !ok {
			return nil, nil, "value does not match field type"
		}
		var (
			cmp     func(c int) bool
			sqlizer sq.Sqlizer
		)
		switch op {
		case domain.OpGT:
			cmp, sqlizer = func(c int) bool { return c > 0 }, sq.Gt{col: want}
		case domain.OpGTE:
			cmp, sqlizer = func(c int) bool { return c >= 0 }, sq.GtOrEq{col: want}
		case domain.OpLT:
			cmp, sqlizer = func(c int) bool { return c < 0 }, sq.Lt{col: want}
		default:
			cmp, sqlizer = func(c int) bool { return c <= 0 }, sq.LtOrEq{col: want}
		}
		return func(raw any) bool {
			a, ok := actual(raw)
			return ok && cmp(compareValues(mode, a, want))
		}, sqlizer, ""

	case domain.OpIn, domain.OpNotIn:
		list, ok := toList(rule.Value)
		if !ok {
			return nil, nil, "value must be a list"
		}
		wants := make([]any, 0, len(list))
		for _, v := range list {
			w, ok := convert(mode, v)
			if !ok {
				return nil, nil, "list value does not match field type"
			}
			wants = append(wants, w)
		}
		in := op == domain.OpIn
		test := func(raw any) bool {
			a, ok := actual(raw)
			if !ok {
				return false
			}
			for _, w := range wants {
				if equalValues(mode, a, w) {
					return in
				}
			}
			return !in
		}
		if in {
			return test, sq.Eq{col: wants}, ""
		}
		return test, sq.NotEq{col: wants}, ""

	case domain.OpBetween:
		if mode != modeNumber && mode != modeTime {
			return nil, nil, "operator requires a numeric or date field"
		}
		list, ok := toList(rule.Value)
		if !ok || len(list) != 2 {
			return nil, nil, "between needs exactly two values"
		}
		lo, ok1 := convert(mode, list[0])
		hi, ok2 := convert(mode, list[1])
		if !ok1 || !ok2 {
			return nil, nil, "value does not match field type"
		}
		return func(raw any) bool {
			a, ok := actual(raw)
			return ok && compareValues(mode, a, lo) >= 0 && compareValues(mode, a, hi) <= 0
		}, sq.And{sq.GtOrEq{col: lo}, sq.LtOrEq{col: hi}}, ""

	case domain.OpDateRange:
		if mode != modeTime {
			return nil, nil, "date_range requires a date field"
		}
		start, end, err := PresetRange(domain.DatePreset(toString(rule.Value)), cc.now, cc.loc)
		if err != nil {
			return nil, nil, err.Error()
		}
		return func(raw any) bool {
			a, ok := actual(raw)
			if !ok {
				return false
			}
			t := a.(time.Time)
			return !t.Before(start) && t.Before(end)
		}, sq.And{sq.GtOrEq{col: start}, sq.Lt{col: end}}, ""
	}

	return nil, nil, "unknown operator"
}

// =============================================================================
// Engagement and deal predicates
// =============================================================================

// flagWant interprets a flag rule: equals true (the default) or not_equals.
func flagWant(rule domain.Rule) (bool, string) {
	want := true
	if rule.Value != nil {
		b, ok := toBool(rule.Value)
		if !ok {
			return false, "flag value must be boolean"
		}
		want = b
	}
	switch rule.Operator {
	case domain.OpEquals:
		return want, ""
	case domain.OpNotEquals:
		return !want, ""
	}
	return false, "flag fields support equals and not_equals"
}

// paramWant interprets a parameterized condition whose value is the
// parameter N: equals asserts the condition, not_equals negates it.
func paramWant(rule domain.Rule, def int) (n int, want bool, reason string) {
	n, ok := toInt(rule.Value, def)
	if !ok {
		return 0, false, "value must be a positive number"
	}
	switch rule.Operator {
	case domain.OpEquals:
		return n, true, ""
	case domain.OpNotEquals:
		return n, false, ""
	}
	return 0, false, "parameterized fields support equals and not_equals"
}

func negate(cond string, want bool) string {
	if want {
		return cond
	}
	return "NOT (" + cond + ")"
}

const lastCampaignRecord = `(SELECT dr.%s IS NOT NULL FROM delivery_records dr
	WHERE dr.tenant_id = r.tenant_id AND dr.recipient_id = r.id AND dr.campaign_id IS NOT NULL
	ORDER BY dr.sent_at DESC NULLS LAST LIMIT 1)`

func (cc *compileCtx) lastCampaignFlag(rule domain.Rule, column string, hit func(domain.CampaignEngagement) bool) (*cnode, string) {
	want, reason := flagWant(rule)
	if reason != "" {
		return nil, reason
	}
	cond := fmt.Sprintf("COALESCE("+lastCampaignRecord+", FALSE) = ?", column)
	return &cnode{
		match: func(r *domain.Recipient) bool {
			recent := recentCampaigns(r)
			got := len(recent) > 0 && hit(recent[0])
			return got == want
		},
		sql: sq.Expr(cond, want),
	}, ""
}

const notOpenedLastN = `(EXISTS (SELECT 1 FROM delivery_records dr
		WHERE dr.tenant_id = r.tenant_id AND dr.recipient_id = r.id AND dr.campaign_id IS NOT NULL)
	AND NOT EXISTS (SELECT 1 FROM (SELECT dr.opened_at FROM delivery_records dr
		WHERE dr.tenant_id = r.tenant_id AND dr.recipient_id = r.id AND dr.campaign_id IS NOT NULL
		ORDER BY dr.sent_at DESC NULLS LAST LIMIT ?) recent
		WHERE recent.opened_at IS NOT NULL))`

func (cc *compileCtx) notOpenedLastN(rule domain.Rule) (*cnode, string) {
	n, want, reason := paramWant(rule, defaultNotOpenedCampaigns)
	if reason != "" {
		return nil, reason
	}
	return &cnode{
		match: func(r *domain.Recipient) bool {
			recent := recentCampaigns(r)
			if len(recent) == 0 {
				return !want
			}
			if len(recent) > n {
				recent = recent[:n]
			}
			for _, c := range recent {
				if c.Opened {
					return !want
				}
			}
			return want
		},
		sql: sq.Expr(negate(notOpenedLastN, want), n),
	}, ""
}

const activeDeal = `EXISTS (SELECT 1 FROM deals d WHERE d.tenant_id = r.tenant_id AND d.recipient_id = r.id
	AND d.stage NOT IN ('` + domain.DealClosedWon + `', '` + domain.DealClosedLost + `'))`

func (cc *compileCtx) hasActiveDeal(rule domain.Rule) (*cnode, string) {
	want, reason := flagWant(rule)
	if reason != "" {
		return nil, reason
	}
	return &cnode{
		match: func(r *domain.Recipient) bool {
			for _, d := range r.Deals {
				if d.IsOpen() {
					return want
				}
			}
			return !want
		},
		sql: sq.Expr(negate(activeDeal, want)),
	}, ""
}

const wonDealSince = `EXISTS (SELECT 1 FROM deals d WHERE d.tenant_id = r.tenant_id AND d.recipient_id = r.id
	AND d.stage = '` + domain.DealClosedWon + `' AND d.closed_at >= ?)`

func (cc *compileCtx) wonDealLastNDays(rule domain.Rule) (*cnode, string) {
	n, want, reason := paramWant(rule, defaultWonDealDays)
	if reason != "" {
		return nil, reason
	}
	cutoff := cc.now.AddDate(0, 0, -n)
	return &cnode{
		match: func(r *domain.Recipient) bool {
			for _, d := range r.Deals {
				if d.IsWon() && d.ClosedAt != nil && !d.ClosedAt.Before(cutoff) {
					return want
				}
			}
			return !want
		},
		sql: sq.Expr(negate(wonDealSince, want), cutoff),
	}, ""
}

// dealStageRule matches when any of the recipient's deals has a stage
// satisfying the rule.
func (cc *compileCtx) dealStageRule(rule domain.Rule) (*cnode, string) {
	switch rule.Operator {
	case domain.OpEquals, domain.OpNotEquals, domain.OpContains, domain.OpNotContain,
		domain.OpStartsWith, domain.OpEndsWith, domain.OpIn, domain.OpNotIn:
	default:
		return nil, "deal.stage supports text and list operators only"
	}
	test, inner, reason := cc.scalarTest(dealStage, rule)
	if reason != "" {
		return nil, reason
	}
	innerSQL, args, err := inner.ToSql()
	if err != nil {
		return nil, err.Error()
	}
	return &cnode{
		match: func(r *domain.Recipient) bool {
			for _, d := range r.Deals {
				if test(d.Stage) {
					return true
				}
			}
			return false
		},
		sql: sq.Expr("EXISTS (SELECT 1 FROM deals d WHERE d.tenant_id = r.tenant_id AND d.recipient_id = r.id AND "+innerSQL+")", args...),
	}, ""
}
