package hostinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintOf(t *testing.T) {
	a := fingerprintOf([]string{"abc", "host", "aa:bb"})
	assert.Len(t, a, 32)
	assert.Equal(t, a, fingerprintOf([]string{" abc ", "host", "", "aa:bb"}))
	assert.NotEqual(t, a, fingerprintOf([]string{"abc", "other", "aa:bb"}))
	assert.Empty(t, fingerprintOf([]string{"", "  "}))
}

func TestFingerprint_Stable(t *testing.T) {
	assert.Equal(t, Fingerprint(), Fingerprint())
}
