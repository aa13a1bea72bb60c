package dds

import (
	"github.com/hdds-platform/hdds/filter"
)

// Topic names a typed channel: a string name plus the type it carries.
// Topics are purely descriptive; endpoints hold their own copies.
type Topic struct {
	Name     string
	TypeName string
	// TypeHash optionally fingerprints the type structure for
	// compatibility checks stronger than name equality.
	TypeHash uint64
}

// NewTopic describes a topic.
func NewTopic(name, typeName string) Topic {
	return Topic{Name: name, TypeName: typeName}
}

// ContentFilteredTopic narrows a topic with an SQL-like predicate
// evaluated on the reader side.
type ContentFilteredTopic struct {
	Topic
	filter *filter.Filter
}

// NewContentFilteredTopic compiles the expression with its initial
// parameters.
func NewContentFilteredTopic(base Topic, expression string, params []string) (*ContentFilteredTopic, error) {
	f, err := filter.New(expression, params)
	if err != nil {
		return nil, err
	}
	return &ContentFilteredTopic{Topic: base, filter: f}, nil
}

// SetParameters rebinds the predicate's positional parameters.
func (t *ContentFilteredTopic) SetParameters(params []string) {
	t.filter.SetParameters(params)
}

// Expression returns the predicate source.
func (t *ContentFilteredTopic) Expression() string {
	return t.filter.Expression()
}
