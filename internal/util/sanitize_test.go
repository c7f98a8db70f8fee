package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "ada@x.com", NormalizeEmail("  Ada@X.com "))
}

func TestContainsSuspicious(t *testing.T) {
	assert.True(t, ContainsSuspicious("<script>alert(1)</script>"))
	assert.True(t, ContainsSuspicious("${jndi}"))
	assert.False(t, ContainsSuspicious("Ada Lovelace"))
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "a***@x.com", MaskEmail("ada@x.com"))
	assert.Equal(t, "***", MaskEmail("not-an-email"))
}

func TestSanitizeInput(t *testing.T) {
	assert.Equal(t, "&lt;b&gt;Ada", SanitizeInput("  <b>Ada "))
}
