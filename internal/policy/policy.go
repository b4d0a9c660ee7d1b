// Package policy describes what an upload capability permits: how long it is
// valid, how large the object may be, which content types are acceptable and
// where the object lands. A Policy is pure data; resolving it against an
// allocated identifier yields the Constraints a storage backend signs and
// later enforces.
package policy

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Wildcard is the pattern admitting every content type.
const Wildcard = "*/*"

// InboxPrefix is the key prefix all uploaded objects land under. Retention
// rules and bucket policies key off it, so it is fixed rather than
// configurable.
const InboxPrefix = "inbox/"

const (
	// DefaultTTL is how long a capability stays valid when the caller does
	// not choose a validity window.
	DefaultTTL = 24 * time.Hour

	// DefaultMaxSize is the upload size ceiling applied by default, 100 MiB.
	DefaultMaxSize = 100 << 20

	// MinTTL is the shortest validity a capability may carry. Signed policies
	// carry expiry with one-second granularity, so anything shorter rounds to
	// an already-expired grant.
	MinTTL = time.Second
)

// ErrInvalid marks a policy that cannot be issued. Callers match it with
// errors.Is to distinguish caller mistakes from backend failures.
var ErrInvalid = errors.New("policy: invalid")

// Policy is the requested shape of one upload grant.
//
// ObjectName optionally fixes the name of the uploaded object under the inbox
// prefix; when empty the object is named after the allocated identifier.
type Policy struct {
	TTL          time.Duration
	MaxSizeBytes int64
	AllowedTypes []string
	ObjectName   string
}

// Default returns the policy applied when the caller overrides nothing: a day
// of validity, 100 MiB, any content type.
func Default() Policy {
	return Policy{
		TTL:          DefaultTTL,
		MaxSizeBytes: DefaultMaxSize,
		AllowedTypes: []string{Wildcard},
	}
}

// ParseTypes parses a comma separated content type allow list, as accepted on
// the command line and over the API. Patterns are lowercased and deduplicated;
// order is preserved.
func ParseTypes(s string) ([]string, error) {
	var out []string
	for _, part := range strings.Split(s, ",") {
		pattern := strings.ToLower(strings.TrimSpace(part))
		if pattern == "" {
			return nil, fmt.Errorf("%w: empty content type pattern in %q", ErrInvalid, s)
		}
		if err := validatePattern(pattern); err != nil {
			return nil, err
		}
		if !slices.Contains(out, pattern) {
			out = append(out, pattern)
		}
	}
	return out, nil
}

// Validate reports whether the policy can be issued at all. A policy that
// fails validation must be rejected before any identifier is allocated or any
// page published.
func (p Policy) Validate() error {
	if p.TTL < MinTTL {
		return fmt.Errorf("%w: ttl %s is below the minimum of %s", ErrInvalid, p.TTL, MinTTL)
	}
	if p.MaxSizeBytes < 1 {
		return fmt.Errorf("%w: max size must be at least 1 byte, got %d", ErrInvalid, p.MaxSizeBytes)
	}
	if len(p.AllowedTypes) == 0 {
		return fmt.Errorf("%w: at least one content type pattern is required", ErrInvalid)
	}
	for _, pattern := range p.AllowedTypes {
		if err := validatePattern(pattern); err != nil {
			return err
		}
	}
	if err := validateObjectName(p.ObjectName); err != nil {
		return err
	}
	return nil
}

// ObjectKey returns the storage key an upload under this policy writes to.
func (p Policy) ObjectKey(id string) string {
	name := p.ObjectName
	if name == "" {
		name = "upload-" + id
	}
	return InboxPrefix + name
}

// Constraints resolves the policy against an allocated identifier. The result
// is exactly what a backend encodes into a signed grant; anything the backend
// cannot encode it must reject at upload time instead.
func (p Policy) Constraints(id string) Constraints {
	return Constraints{
		Key:          p.ObjectKey(id),
		MaxSizeBytes: p.MaxSizeBytes,
		ContentType:  p.typeCondition(),
		TTL:          p.TTL,
	}
}

// Constraints is a Policy resolved for one identifier.
type Constraints struct {
	Key          string
	MaxSizeBytes int64
	ContentType  TypeCondition
	TTL          time.Duration
}

// TypeCondition is the content type constraint carried by a signed grant.
// Signed policy documents can express a single equality or prefix match, not
// an arbitrary disjunction, so a multi-pattern allow list is encoded as the
// tightest condition admitting all of its patterns. The full pattern list
// rides along for enforcement points that can match alternatives, such as the
// landing page.
type TypeCondition struct {
	// Exact, when non-empty, pins the content type to one value.
	Exact string

	// Prefix applies when Exact is empty: the content type must start with
	// it. An empty prefix admits any value and is how "*/*" is encoded.
	Prefix string

	// Patterns is the full allow list the condition was derived from.
	Patterns []string
}

// Admits reports whether the signed condition alone accepts the content type.
// This is what backends enforce; the finer pattern list is checked before the
// form is submitted.
func (c TypeCondition) Admits(contentType string) bool {
	if c.Exact != "" {
		return contentType == c.Exact
	}
	return strings.HasPrefix(contentType, c.Prefix)
}

func (p Policy) typeCondition() TypeCondition {
	cond := TypeCondition{Patterns: slices.Clone(p.AllowedTypes)}
	if len(p.AllowedTypes) == 1 && p.AllowedTypes[0] != Wildcard && !strings.HasSuffix(p.AllowedTypes[0], "/*") {
		cond.Exact = p.AllowedTypes[0]
		return cond
	}
	prefixes := make([]string, 0, len(p.AllowedTypes))
	for _, pattern := range p.AllowedTypes {
		if pattern == Wildcard {
			return cond
		}
		prefixes = append(prefixes, strings.TrimSuffix(pattern, "*"))
	}
	cond.Prefix = commonPrefix(prefixes)
	return cond
}

func commonPrefix(values []string) string {
	if len(values) == 0 {
		return ""
	}
	prefix := values[0]
	for _, v := range values[1:] {
		for !strings.HasPrefix(v, prefix) {
			prefix = prefix[:len(prefix)-1]
		}
	}
	return prefix
}

func validatePattern(p string) error {
	if p == Wildcard {
		return nil
	}
	typ, sub, ok := strings.Cut(p, "/")
	if !ok {
		return fmt.Errorf("%w: content type %q must be type/subtype", ErrInvalid, p)
	}
	if typ == "" || strings.ContainsAny(typ, "* \t") {
		return fmt.Errorf("%w: content type %q has a malformed type", ErrInvalid, p)
	}
	if sub == "" {
		return fmt.Errorf("%w: content type %q has an empty subtype", ErrInvalid, p)
	}
	if strings.Contains(sub, "/") {
		return fmt.Errorf("%w: content type %q must have exactly one separator", ErrInvalid, p)
	}
	if sub != "*" && strings.ContainsAny(sub, "* \t") {
		return fmt.Errorf("%w: content type %q may only use a trailing wildcard", ErrInvalid, p)
	}
	return nil
}

func validateObjectName(name string) error {
	if name == "" {
		return nil
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: object name %q is reserved", ErrInvalid, name)
	}
	if len(name) > 512 {
		return fmt.Errorf("%w: object name exceeds 512 bytes", ErrInvalid)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: object name %q must not contain path separators", ErrInvalid, name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: object name contains control characters", ErrInvalid)
		}
	}
	return nil
}
