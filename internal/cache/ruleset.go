package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spaolacci/murmur3"

	"github.com/rafaeljc/wayfinder/internal/ruleengine"
)

// fingerprintLen is the length of a hex-encoded 64-bit murmur3 hash.
const fingerprintLen = 16

// ErrCorrupt is returned when a cached value cannot be decoded.
var ErrCorrupt = errors.New("corrupt cache entry")

// RuleSet is the unit cached per scope: the active rules and the option table
// used for translation-aware equality.
type RuleSet struct {
	// Fingerprint identifies the content; equal payloads have equal fingerprints.
	Fingerprint string `json:"-"`

	Rules   []ruleengine.Rule      `json:"rules"`
	Options ruleengine.OptionTable `json:"options,omitempty"`
}

// NewRuleSet builds a rule set and fingerprints its canonical JSON.
// encoding/json sorts map keys, so the same content always hashes the same.
func NewRuleSet(rules []ruleengine.Rule, options ruleengine.OptionTable) (*RuleSet, error) {
	if rules == nil {
		rules = []ruleengine.Rule{}
	}
	rs := &RuleSet{Rules: rules, Options: options}

	payload, err := json.Marshal(rs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rule set: %w", err)
	}
	rs.Fingerprint = Fingerprint(payload)
	return rs, nil
}

// Fingerprint hashes a payload with murmur3 and returns it as fixed-width hex.
func Fingerprint(payload []byte) string {
	return fmt.Sprintf("%0*x", fingerprintLen, murmur3.Sum64(payload))
}

// Compile compiles every rule in place and returns the rules that failed.
func (rs *RuleSet) Compile() []ruleengine.SkippedRule {
	return ruleengine.CompileRules(rs.Rules)
}

// encodeRuleSet produces "fingerprint|json". The fingerprint is fixed width,
// so it can be read back with GETRANGE without transferring the payload.
func encodeRuleSet(rs *RuleSet) (string, error) {
	payload, err := json.Marshal(rs)
	if err != nil {
		return "", fmt.Errorf("failed to encode rule set: %w", err)
	}
	fp := rs.Fingerprint
	if fp == "" {
		fp = Fingerprint(payload)
	}
	return fp + "|" + string(payload), nil
}

// decodeRuleSet parses a value written by encodeRuleSet. Rules come back
// uncompiled.
func decodeRuleSet(value string) (*RuleSet, error) {
	fp, payload, ok := strings.Cut(value, "|")
	if !ok || len(fp) != fingerprintLen {
		return nil, fmt.Errorf("%w: missing fingerprint", ErrCorrupt)
	}

	var rs RuleSet
	if err := json.Unmarshal([]byte(payload), &rs); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	rs.Fingerprint = fp
	return &rs, nil
}
