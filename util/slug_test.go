package util

import (
	"regexp"
	"testing"

	"gotest.tools/v3/assert"
)

var subdomainPattern = regexp.MustCompile(`^c-[0-9a-f]{16}$`)

func TestGenerateSubdomainMatchesWireFormat(t *testing.T) {
	subdomain, err := GenerateSubdomain()
	assert.NilError(t, err)
	assert.Assert(t, subdomainPattern.MatchString(subdomain), "got %q", subdomain)
}

func TestGenerateSubdomainVaries(t *testing.T) {
	first, err := GenerateSubdomain()
	assert.NilError(t, err)
	second, err := GenerateSubdomain()
	assert.NilError(t, err)

	assert.Assert(t, first != second)
}
