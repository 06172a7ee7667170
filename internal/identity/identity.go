// Package identity bootstraps and loads the single DID and signing key
// this server hosts. Instead of a table of many accounts keyed by
// handle and domain, this collapses to one row, seeded once at first
// boot.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/primal-host/solo-pds/internal/repo"
)

// ErrNotFound is returned by Load when the identity row has not been
// seeded yet.
var ErrNotFound = errors.New("identity: not found")

// Identity is this server's single account: its DID, handle, and
// repository signing key.
type Identity struct {
	DID        string
	Handle     string
	SigningKey string // multibase-encoded private key, see repo.ParseKey
}

// Load reads the singleton identity row. Returns ErrNotFound if Bootstrap
// has never run.
func Load(ctx context.Context, pool *pgxpool.Pool) (Identity, error) {
	var id Identity
	err := pool.QueryRow(ctx,
		`SELECT did, handle, signing_key FROM identity WHERE id = 1`,
	).Scan(&id.DID, &id.Handle, &id.SigningKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return Identity{}, ErrNotFound
	}
	if err != nil {
		return Identity{}, fmt.Errorf("identity: load: %w", err)
	}
	return id, nil
}

// Bootstrap seeds the identity row on first boot: generates a signing
// key if signingKeyMultibase is empty, derives a did:key from its
// public key, and persists {did, handle, signing_key}. Safe to call on
// every startup — if the row already exists it is returned unchanged.
func Bootstrap(ctx context.Context, pool *pgxpool.Pool, handle, signingKeyMultibase string) (Identity, error) {
	existing, err := Load(ctx, pool)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Identity{}, err
	}

	keyMultibase := signingKeyMultibase
	if keyMultibase == "" {
		keyMultibase, err = repo.GenerateKey()
		if err != nil {
			return Identity{}, fmt.Errorf("identity: generate signing key: %w", err)
		}
	}

	did, err := DIDForKey(keyMultibase)
	if err != nil {
		return Identity{}, err
	}

	id := Identity{DID: did, Handle: handle, SigningKey: keyMultibase}
	_, err = pool.Exec(ctx,
		`INSERT INTO identity (id, did, handle, signing_key) VALUES (1, $1, $2, $3)`,
		id.DID, id.Handle, id.SigningKey)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: bootstrap: %w", err)
	}
	return id, nil
}

// DIDForKey derives the did:key identifier for a signing key's public
// key: "did:key:" followed by the multicodec-prefixed, multibase
// base58btc encoding atcrypto.PublicKey.Multibase already produces.
// The verification method's publicKeyMultibase takes that same
// Multibase() string directly: did:key is defined as that encoding
// used as-is for the identifier's method-specific id.
func DIDForKey(signingKeyMultibase string) (string, error) {
	priv, err := repo.ParseKey(signingKeyMultibase)
	if err != nil {
		return "", fmt.Errorf("identity: parse signing key: %w", err)
	}
	pub, err := priv.PublicKey()
	if err != nil {
		return "", fmt.Errorf("identity: derive public key: %w", err)
	}
	return "did:key:" + pub.Multibase(), nil
}

// Document builds the DID document this identity resolves to. Spec §1
// leaves publication out of scope; the document is not registered
// anywhere, and is served only inside getSession's didDoc field.
type Document struct {
	Context            []string             `json:"@context"`
	ID                 string               `json:"id"`
	AlsoKnownAs        []string             `json:"alsoKnownAs"`
	VerificationMethod []VerificationMethod `json:"verificationMethod"`
	Service            []Service            `json:"service"`
}

type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

type Service struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// BuildDocument constructs the DID document for id.
func BuildDocument(id Identity, serviceEndpoint string) (*Document, error) {
	priv, err := repo.ParseKey(id.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("identity: parse signing key: %w", err)
	}
	pub, err := priv.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("identity: derive public key: %w", err)
	}

	return &Document{
		Context: []string{
			"https://www.w3.org/ns/did/v1",
			"https://w3id.org/security/multikey/v1",
			"https://w3id.org/security/suites/secp256k1-2019/v1",
		},
		ID:          id.DID,
		AlsoKnownAs: []string{"at://" + id.Handle},
		VerificationMethod: []VerificationMethod{
			{
				ID:                 id.DID + "#atproto",
				Type:               "Multikey",
				Controller:         id.DID,
				PublicKeyMultibase: pub.Multibase(),
			},
		},
		Service: []Service{
			{
				ID:              "#atproto_pds",
				Type:            "AtprotoPersonalDataServer",
				ServiceEndpoint: serviceEndpoint,
			},
		},
	}, nil
}
