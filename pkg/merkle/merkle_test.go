package merkle

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustledger/pkg/canonical"
)

func leaves(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = canonical.DigestString(fmt.Sprintf("leaf-%d", i))
	}
	return out
}

func TestRootEmptyIsDigestOfEmptyBytes(t *testing.T) {
	assert.Equal(t, canonical.Digest(nil), Root(nil))
	assert.Equal(t, canonical.DigestString(""), Root([]string{}))
}

func TestRootSingleLeafUnchanged(t *testing.T) {
	h := canonical.DigestString("only")
	assert.Equal(t, h, Root([]string{h}))
}

func TestRootOddCountDuplicatesLastLeaf(t *testing.T) {
	hs := leaves(3)
	want := canonical.DigestString(
		canonical.DigestString(hs[0]+hs[1]) + canonical.DigestString(hs[2]+hs[2]),
	)
	assert.Equal(t, want, Root(hs))
}

func TestRootDeterministicAndOrderSensitive(t *testing.T) {
	hs := leaves(6)
	assert.Equal(t, Root(hs), Root(hs))

	swapped := append([]string(nil), hs...)
	swapped[0], swapped[1] = swapped[1], swapped[0]
	assert.NotEqual(t, Root(hs), Root(swapped))
}

func TestProofRejectsBadIndex(t *testing.T) {
	hs := leaves(4)
	_, err := Proof(hs, -1)
	require.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = Proof(hs, 4)
	require.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestProofVerifiesForEveryIndex(t *testing.T) {
	for n := 1; n <= 9; n++ {
		hs := leaves(n)
		root := Root(hs)
		for i := 0; i < n; i++ {
			proof, err := Proof(hs, i)
			require.NoError(t, err, "n=%d i=%d", n, i)
			assert.True(t, VerifyProof(root, hs[i], proof, i), "n=%d i=%d", n, i)
		}
	}
}

func TestVerifyProofRejectsWrongLeafAndIndex(t *testing.T) {
	hs := leaves(5)
	root := Root(hs)
	proof, err := Proof(hs, 2)
	require.NoError(t, err)

	assert.False(t, VerifyProof(root, hs[3], proof, 2), "wrong leaf")
	assert.False(t, VerifyProof(root, hs[2], proof, 3), "wrong index")
	assert.False(t, VerifyProof(root, hs[2], proof[:len(proof)-1], 2), "truncated proof")
}
