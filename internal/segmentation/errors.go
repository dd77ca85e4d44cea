package segmentation

import "errors"

var (
	// ErrMalformedTree is returned for nil nodes, unknown match values and
	// unparseable filter JSON.
	ErrMalformedTree = errors.New("malformed filter tree")
	// ErrUnsupportedRule is returned in strict mode instead of dropping a
	// rule with an unknown field or operator.
	ErrUnsupportedRule = errors.New("unsupported filter rule")
)
