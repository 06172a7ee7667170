package identity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/primal-host/solo-pds/internal/repo"
)

func TestDIDForKeyIsDeterministicForSameKey(t *testing.T) {
	t.Parallel()

	key, err := repo.GenerateKey()
	require.NoError(t, err)

	did1, err := DIDForKey(key)
	require.NoError(t, err)
	did2, err := DIDForKey(key)
	require.NoError(t, err)

	require.Equal(t, did1, did2)
	require.Regexp(t, `^did:key:z`, did1)
}

func TestDIDForKeyDiffersAcrossKeys(t *testing.T) {
	t.Parallel()

	k1, err := repo.GenerateKey()
	require.NoError(t, err)
	k2, err := repo.GenerateKey()
	require.NoError(t, err)

	did1, err := DIDForKey(k1)
	require.NoError(t, err)
	did2, err := DIDForKey(k2)
	require.NoError(t, err)

	require.NotEqual(t, did1, did2)
}

func TestDIDForKeyRejectsGarbageKey(t *testing.T) {
	t.Parallel()

	_, err := DIDForKey("not-a-real-key")
	require.Error(t, err)
}

func TestBuildDocumentShapesVerificationMethodAndService(t *testing.T) {
	t.Parallel()

	key, err := repo.GenerateKey()
	require.NoError(t, err)
	did, err := DIDForKey(key)
	require.NoError(t, err)

	id := Identity{DID: did, Handle: "example.test", SigningKey: key}
	doc, err := BuildDocument(id, "https://pds.example.com")
	require.NoError(t, err)

	require.Equal(t, did, doc.ID)
	require.Equal(t, []string{"at://example.test"}, doc.AlsoKnownAs)
	require.Len(t, doc.VerificationMethod, 1)
	require.Equal(t, did+"#atproto", doc.VerificationMethod[0].ID)
	require.Equal(t, did, doc.VerificationMethod[0].Controller)
	require.NotEmpty(t, doc.VerificationMethod[0].PublicKeyMultibase)
	require.Len(t, doc.Service, 1)
	require.Equal(t, "https://pds.example.com", doc.Service[0].ServiceEndpoint)
	require.Equal(t, "AtprotoPersonalDataServer", doc.Service[0].Type)
}

func TestBuildDocumentRejectsBadSigningKey(t *testing.T) {
	t.Parallel()

	id := Identity{DID: "did:key:zbad", Handle: "example.test", SigningKey: "garbage"}
	_, err := BuildDocument(id, "https://pds.example.com")
	require.Error(t, err)
}
