package security

import (
	"fmt"
	"sync"

	"github.com/gobwas/glob"
)

// TopicRule grants or denies operations on topics matching a glob
// pattern. A rule with Deny set refuses the covered operations; rules
// are evaluated in order, first match wins.
type TopicRule struct {
	Pattern   string `yaml:"pattern"`
	Publish   bool   `yaml:"publish"`
	Subscribe bool   `yaml:"subscribe"`
	Deny      bool   `yaml:"deny"`
}

// RuleAccessControl is the reference access-control plugin: an ordered
// rule list evaluated first-match, deny-by-default (no matching rule
// means deny).
type RuleAccessControl struct {
	mu      sync.RWMutex
	domains map[int]bool // nil means any domain
	rules   []compiledRule
	audit   AuditLogger
}

type compiledRule struct {
	glob      glob.Glob
	pattern   string
	publish   bool
	subscribe bool
	deny      bool
}

// NewRuleAccessControl compiles the rule list. Domains nil permits any
// domain.
func NewRuleAccessControl(domains []int, rules []TopicRule, audit AuditLogger) (*RuleAccessControl, error) {
	ac := &RuleAccessControl{audit: audit}
	if audit == nil {
		ac.audit = discardAudit{}
	}
	if domains != nil {
		ac.domains = make(map[int]bool, len(domains))
		for _, d := range domains {
			ac.domains[d] = true
		}
	}
	for _, r := range rules {
		g, err := glob.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid topic pattern %q: %w", r.Pattern, err)
		}
		ac.rules = append(ac.rules, compiledRule{
			glob:      g,
			pattern:   r.Pattern,
			publish:   r.Publish,
			subscribe: r.Subscribe,
			deny:      r.Deny,
		})
	}
	return ac, nil
}

// CheckCreateParticipant implements AccessControl.
func (ac *RuleAccessControl) CheckCreateParticipant(domainID int) error {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	if ac.domains != nil && !ac.domains[domainID] {
		ac.audit.Log("participant_denied", map[string]string{"domain": fmt.Sprint(domainID)})
		return fmt.Errorf("%w: domain %d not permitted", ErrDenied, domainID)
	}
	return nil
}

// CheckTopic implements AccessControl with first-match evaluation.
func (ac *RuleAccessControl) CheckTopic(topic string, op TopicOp) error {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	for _, r := range ac.rules {
		if !r.glob.Match(topic) {
			continue
		}
		covers := (op == OpPublish && r.publish) || (op == OpSubscribe && r.subscribe)
		if !covers {
			continue
		}
		if r.deny {
			ac.audit.Log("topic_denied", map[string]string{"topic": topic, "op": op.String(), "rule": r.pattern})
			return fmt.Errorf("%w: %s on topic %q", ErrDenied, op, topic)
		}
		return nil
	}
	ac.audit.Log("topic_denied", map[string]string{"topic": topic, "op": op.String(), "rule": "default"})
	return fmt.Errorf("%w: no rule permits %s on topic %q", ErrDenied, op, topic)
}
