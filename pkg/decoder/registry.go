package decoder

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/illmade-knight/go-homeflow/pkg/types"
)

// DecodeFunc converts one raw message into a Measurement. Implementations
// must be pure: the same input always yields the same output.
type DecodeFunc func(msg types.RawMessage) (types.Measurement, error)

// MatchKind selects how a Rule's key is compared with a device identifier.
type MatchKind int

const (
	// MatchExact matches only the identical device identifier.
	MatchExact MatchKind = iota
	// MatchPrefix matches any identifier that starts with the key. An empty
	// key matches every identifier and acts as the family default.
	MatchPrefix
)

// Rule binds a device key to a decode function.
type Rule struct {
	Key    string
	Match  MatchKind
	Decode DecodeFunc
}

// Exact is shorthand for an exact-match Rule.
func Exact(key string, fn DecodeFunc) Rule {
	return Rule{Key: key, Match: MatchExact, Decode: fn}
}

// Prefix is shorthand for a prefix-match Rule.
func Prefix(key string, fn DecodeFunc) Rule {
	return Rule{Key: key, Match: MatchPrefix, Decode: fn}
}

// ErrNotFound is returned by Resolve when no rule matches a device.
var ErrNotFound = errors.New("no decode rule registered for device")

// Registry maps device identifiers to decode functions. It is built once
// from a fixed rule set and is read-only afterwards, so a single Registry
// may be shared by any number of dispatchers.
type Registry struct {
	exact    map[string]DecodeFunc
	prefixes []Rule // sorted longest key first
}

// NewRegistry builds a Registry from rules. Duplicate keys of the same kind
// and rules without a decode function are rejected.
func NewRegistry(rules ...Rule) (*Registry, error) {
	r := &Registry{exact: make(map[string]DecodeFunc)}
	seenPrefix := make(map[string]bool)
	for _, rule := range rules {
		if rule.Decode == nil {
			return nil, fmt.Errorf("rule %q has no decode function", rule.Key)
		}
		switch rule.Match {
		case MatchExact:
			if rule.Key == "" {
				return nil, fmt.Errorf("exact rule requires a non-empty key")
			}
			if _, dup := r.exact[rule.Key]; dup {
				return nil, fmt.Errorf("duplicate exact rule %q", rule.Key)
			}
			r.exact[rule.Key] = rule.Decode
		case MatchPrefix:
			if seenPrefix[rule.Key] {
				return nil, fmt.Errorf("duplicate prefix rule %q", rule.Key)
			}
			seenPrefix[rule.Key] = true
			r.prefixes = append(r.prefixes, rule)
		default:
			return nil, fmt.Errorf("rule %q has unknown match kind %d", rule.Key, rule.Match)
		}
	}
	sort.SliceStable(r.prefixes, func(i, j int) bool {
		return len(r.prefixes[i].Key) > len(r.prefixes[j].Key)
	})
	return r, nil
}

// Resolve finds the decode function for device. An exact match always wins;
// otherwise the longest matching prefix is used.
func (r *Registry) Resolve(device string) (DecodeFunc, error) {
	if fn, ok := r.exact[device]; ok {
		return fn, nil
	}
	for _, rule := range r.prefixes {
		if strings.HasPrefix(device, rule.Key) {
			return rule.Decode, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, device)
}

// Decode resolves the rule for msg.Device and applies it.
func (r *Registry) Decode(msg types.RawMessage) (types.Measurement, error) {
	fn, err := r.Resolve(msg.Device)
	if err != nil {
		return types.Measurement{}, err
	}
	return fn(msg)
}
