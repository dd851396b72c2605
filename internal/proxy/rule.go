package proxy

import (
	"net/http"
	"strings"

	"github.com/iTrooz/offline-cache/internal/cache/httpcache"
	"github.com/iTrooz/offline-cache/internal/config"
)

// Rule interface for matching requests against caching rules
type Rule interface {
	Match(requ *http.Request) bool
}

// ConfigRule implements Rule interface for config-based rules
type ConfigRule struct {
	config.CacheRule
}

// Match checks if a request matches this rule
func (r *ConfigRule) Match(requ *http.Request) bool {
	// Check if URL starts with base URI
	if !strings.HasPrefix(httpcache.TargetURL(requ).String(), r.BaseURI) {
		return false
	}

	// No methods means every method
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if strings.EqualFold(m, requ.Method) {
			return true
		}
	}
	return false
}

// Rules decides which requests skip the interceptor's caching
type Rules struct {
	mode  string
	rules []Rule
}

// NewRules builds the rule set of a configuration
func NewRules(cfg config.RulesConfig) *Rules {
	rules := make([]Rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		rules = append(rules, &ConfigRule{CacheRule: r})
	}
	return &Rules{mode: cfg.Mode, rules: rules}
}

// Bypass reports whether a request must not be cached: in whitelist mode
// when no rule matches, in blacklist mode when one does
func (r *Rules) Bypass(requ *http.Request) bool {
	matched := false
	for _, rule := range r.rules {
		if rule.Match(requ) {
			matched = true
			break
		}
	}

	if r.mode == "whitelist" {
		return !matched
	}
	return matched
}
