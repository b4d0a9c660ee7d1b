package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTypes(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "single exact", input: "application/pdf", want: []string{"application/pdf"}},
		{name: "wildcard", input: "*/*", want: []string{"*/*"}},
		{name: "subtype wildcard", input: "image/*", want: []string{"image/*"}},
		{name: "list with spaces", input: "image/png, image/jpeg ,application/pdf", want: []string{"image/png", "image/jpeg", "application/pdf"}},
		{name: "lowercased", input: "IMAGE/PNG", want: []string{"image/png"}},
		{name: "deduplicated", input: "image/png,image/png", want: []string{"image/png"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseTypes(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseTypesRejectsMalformed(t *testing.T) {
	inputs := []string{
		"",
		"image/png,",
		"noslash",
		"a/b/c",
		"*/pdf",
		"image/p*",
		"im age/png",
		"/pdf",
		"image/",
	}

	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			_, err := ParseTypes(input)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := Default()
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Policy)
	}{
		{name: "ttl below one second", mutate: func(p *Policy) { p.TTL = 999 * time.Millisecond }},
		{name: "ttl zero", mutate: func(p *Policy) { p.TTL = 0 }},
		{name: "ttl negative", mutate: func(p *Policy) { p.TTL = -time.Hour }},
		{name: "size zero", mutate: func(p *Policy) { p.MaxSizeBytes = 0 }},
		{name: "size negative", mutate: func(p *Policy) { p.MaxSizeBytes = -1 }},
		{name: "no types", mutate: func(p *Policy) { p.AllowedTypes = nil }},
		{name: "malformed type", mutate: func(p *Policy) { p.AllowedTypes = []string{"noslash"} }},
		{name: "name with separator", mutate: func(p *Policy) { p.ObjectName = "a/b" }},
		{name: "name with backslash", mutate: func(p *Policy) { p.ObjectName = `a\b` }},
		{name: "reserved name", mutate: func(p *Policy) { p.ObjectName = ".." }},
		{name: "name with control character", mutate: func(p *Policy) { p.ObjectName = "a\x00b" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := Default()
			tc.mutate(&p)
			err := p.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestValidateBoundaries(t *testing.T) {
	p := Default()
	p.TTL = time.Second
	p.MaxSizeBytes = 1
	p.ObjectName = "report.pdf"
	assert.NoError(t, p.Validate())
}

func TestObjectKey(t *testing.T) {
	p := Default()
	assert.Equal(t, "inbox/upload-Ab3xYz01", p.ObjectKey("Ab3xYz01"))

	p.ObjectName = "report.pdf"
	assert.Equal(t, "inbox/report.pdf", p.ObjectKey("Ab3xYz01"))
}

func TestConstraintsCarriesPolicy(t *testing.T) {
	p := Policy{
		TTL:          2 * time.Hour,
		MaxSizeBytes: 1 << 20,
		AllowedTypes: []string{"application/pdf"},
	}

	c := p.Constraints("Ab3xYz01")
	assert.Equal(t, "inbox/upload-Ab3xYz01", c.Key)
	assert.Equal(t, int64(1<<20), c.MaxSizeBytes)
	assert.Equal(t, 2*time.Hour, c.TTL)
}

func TestTypeCondition(t *testing.T) {
	tests := []struct {
		name       string
		types      []string
		wantExact  string
		wantPrefix string
		admits     []string
		rejects    []string
	}{
		{
			name:      "single exact type",
			types:     []string{"application/pdf"},
			wantExact: "application/pdf",
			admits:    []string{"application/pdf"},
			rejects:   []string{"application/pdfx", "text/plain", ""},
		},
		{
			name:       "subtype wildcard",
			types:      []string{"image/*"},
			wantPrefix: "image/",
			admits:     []string{"image/png", "image/svg+xml"},
			rejects:    []string{"video/mp4", "image"},
		},
		{
			name:   "any type",
			types:  []string{"*/*"},
			admits: []string{"application/pdf", "image/png", ""},
		},
		{
			name:       "shared prefix across patterns",
			types:      []string{"image/png", "image/jpeg"},
			wantPrefix: "image/",
			admits:     []string{"image/png", "image/gif"},
			rejects:    []string{"video/mp4"},
		},
		{
			name:   "wildcard among patterns",
			types:  []string{"image/png", "*/*"},
			admits: []string{"video/mp4"},
		},
		{
			name:   "disjoint patterns widen to any",
			types:  []string{"image/*", "application/pdf"},
			admits: []string{"image/png", "application/pdf", "video/mp4"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := Default()
			p.AllowedTypes = tc.types

			cond := p.Constraints("Ab3xYz01").ContentType
			assert.Equal(t, tc.wantExact, cond.Exact)
			assert.Equal(t, tc.wantPrefix, cond.Prefix)
			assert.Equal(t, tc.types, cond.Patterns)
			for _, ct := range tc.admits {
				assert.True(t, cond.Admits(ct), "should admit %q", ct)
			}
			for _, ct := range tc.rejects {
				assert.False(t, cond.Admits(ct), "should reject %q", ct)
			}
		})
	}
}
