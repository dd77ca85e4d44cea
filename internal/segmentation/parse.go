package segmentation

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ignite/campaign-engine/internal/domain"
)

// wireNode is the stored JSON shape of a filter tree:
//
//	{"match": "all", "rules": [{"field": "status", "operator": "equals", "value": "new"}],
//	 "groups": [{"match": "any", "rules": [...]}]}
//
// A node with a field and no match/rules/groups is a single rule.
type wireNode struct {
	Match    domain.Match    `json:"match,omitempty"`
	Rules    []wireNode      `json:"rules,omitempty"`
	Groups   []wireNode      `json:"groups,omitempty"`
	Field    string          `json:"field,omitempty"`
	Operator domain.Operator `json:"operator,omitempty"`
	Value    any             `json:"value,omitempty"`
}

func (w wireNode) isRule() bool {
	return w.Field != "" && w.Match == "" && len(w.Rules) == 0 && len(w.Groups) == 0
}

// ParseFilter decodes a stored filter tree. Numbers are kept as json.Number.
func ParseFilter(data []byte) (domain.FilterNode, error) {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, fmt.Errorf("%w: empty filter", ErrMalformedTree)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var w wireNode
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTree, err)
	}
	return fromWire(w), nil
}

func fromWire(w wireNode) domain.FilterNode {
	if w.isRule() {
		return domain.Rule{Field: w.Field, Operator: w.Operator, Value: w.Value}
	}
	g := domain.Group{Match: w.Match, Children: make([]domain.FilterNode, 0, len(w.Rules)+len(w.Groups))}
	if g.Match == "" {
		g.Match = domain.MatchAll
	}
	for _, r := range w.Rules {
		g.Children = append(g.Children, fromWire(r))
	}
	for _, sub := range w.Groups {
		g.Children = append(g.Children, fromWire(sub))
	}
	return g
}

// MarshalFilter encodes a filter tree in the shape ParseFilter reads.
// Within a group, rules are emitted before nested groups.
func MarshalFilter(n domain.FilterNode) ([]byte, error) {
	w, err := toWire(n)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func toWire(n domain.FilterNode) (wireNode, error) {
	switch v := n.(type) {
	case domain.Rule:
		return wireNode{Field: v.Field, Operator: v.Operator, Value: v.Value}, nil
	case *domain.Rule:
		if v != nil {
			return toWire(*v)
		}
	case domain.Group:
		match := v.Match
		if match == "" {
			match = domain.MatchAll
		}
		w := wireNode{Match: match}
		for _, child := range v.Children {
			cw, err := toWire(child)
			if err != nil {
				return wireNode{}, err
			}
			if cw.isRule() {
				w.Rules = append(w.Rules, cw)
			} else {
				w.Groups = append(w.Groups, cw)
			}
		}
		return w, nil
	case *domain.Group:
		if v != nil {
			return toWire(*v)
		}
	}
	return wireNode{}, fmt.Errorf("%w: cannot encode %T", ErrMalformedTree, n)
}
