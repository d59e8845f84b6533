// Package secrets stores sensitive values (API keys, tool credentials)
// encrypted at rest and resolves ${{secrets.KEY}} references in chain params
// just before execution, so plaintext never lands in the database or in
// stored chain documents.
package secrets

import "context"

// Vault resolves secret references at runtime.
type Vault interface {
	// Resolve decrypts and returns the value stored under key.
	Resolve(ctx context.Context, key string) ([]byte, error)

	// Store encrypts value and persists it under key, replacing any
	// previous value.
	Store(ctx context.Context, key string, value []byte) error

	// Delete removes the secret. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the stored keys. Values are never listed.
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}
