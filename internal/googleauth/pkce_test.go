package googleauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyPKCE(t *testing.T) {
	t.Run("RFC 7636 Appendix B test vector", func(t *testing.T) {
		verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
		challenge := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
		assert.Equal(t, challenge, PKCEChallenge(verifier))
		assert.True(t, VerifyPKCE(verifier, challenge))
	})

	t.Run("wrong verifier", func(t *testing.T) {
		challenge := PKCEChallenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk")
		assert.False(t, VerifyPKCE("wrong-verifier", challenge))
	})
}
