// Package vault stores credentials encrypted at rest and releases them to
// plugins only through approved, single-use injections. Plaintext never
// appears in listings, logs, or persisted injection records.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentgate/internal/logging"
)

// Errors for vault operations.
var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrDuplicateName      = errors.New("credential name already in use")
	ErrDomainMismatch     = errors.New("target domain does not match credential domain")
	ErrInjectionNotFound  = errors.New("injection not found")
	ErrInjectionResolved  = errors.New("injection already resolved")
	ErrNotApproved        = errors.New("injection is not approved")
	ErrApprovalExpired    = errors.New("injection approval expired")
	ErrAlreadyConsumed    = errors.New("injection already consumed")
)

// Credential is the metadata half of a stored secret. The secret value
// lives only in the envelope and is never returned by lookups.
type Credential struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	Aliases   []string  `json:"aliases,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// matchesDomain reports whether target equals the credential's domain or
// one of its aliases. Comparison is case-insensitive.
func (c *Credential) matchesDomain(target string) bool {
	if strings.EqualFold(c.Domain, target) {
		return true
	}
	for _, alias := range c.Aliases {
		if strings.EqualFold(alias, target) {
			return true
		}
	}
	return false
}

// storedCredential pairs metadata with its sealed payload.
type storedCredential struct {
	Credential Credential `json:"credential"`
	Envelope   *envelope  `json:"envelope"`
}

// vaultFile is the persisted structure.
type vaultFile struct {
	Version     int                          `json:"version"`
	Credentials map[string]*storedCredential `json:"credentials"`
	Injections  map[string]*Injection        `json:"injections"`
}

// Vault manages credentials and injection lifecycles with JSON
// persistence. The file holds only ciphertext; reading it without the
// master key yields nothing usable.
type Vault struct {
	mu             sync.Mutex
	data           *vaultFile
	keys           *keyring
	filePath       string
	approvalWindow time.Duration
	logger         *logging.Logger
	now            func() time.Time
}

// New creates a vault persisting to stateDir/vault.json. masterKey is the
// age identity string that wraps data keys. approvalWindow bounds how
// long an approved injection stays executable.
func New(stateDir, masterKey string, approvalWindow time.Duration, logger *logging.Logger) (*Vault, error) {
	keys, err := newKeyring(masterKey)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	v := &Vault{
		data: &vaultFile{
			Version:     1,
			Credentials: make(map[string]*storedCredential),
			Injections:  make(map[string]*Injection),
		},
		keys:           keys,
		filePath:       filepath.Join(stateDir, "vault.json"),
		approvalWindow: approvalWindow,
		logger:         logger.Named("vault"),
		now:            time.Now,
	}

	if err := v.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load vault: %w", err)
	}
	return v, nil
}

// AddCredential seals and stores a secret under a unique name. The
// returned Credential carries metadata only.
func (v *Vault) AddCredential(ctx context.Context, name, domain string, aliases []string, secret []byte) (*Credential, error) {
	if name == "" {
		return nil, fmt.Errorf("credential name is required")
	}
	if domain == "" {
		return nil, fmt.Errorf("credential domain is required")
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("credential secret is required")
	}

	env, err := v.keys.seal(secret)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for _, stored := range v.data.Credentials {
		if stored.Credential.Name == name {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, name)
		}
	}

	now := v.now().UTC()
	cred := Credential{
		ID:        "cred_" + uuid.NewString(),
		Name:      name,
		Domain:    domain,
		Aliases:   aliases,
		CreatedAt: now,
		UpdatedAt: now,
	}
	v.data.Credentials[cred.ID] = &storedCredential{Credential: cred, Envelope: env}

	if err := v.save(); err != nil {
		delete(v.data.Credentials, cred.ID)
		return nil, err
	}

	v.logger.Info(ctx, "credential stored",
		zap.String("credential_id", cred.ID),
		zap.String("name", name),
		zap.String("domain", domain),
	)
	clone := cred
	return &clone, nil
}

// GetCredential returns credential metadata by id. The secret value is
// never returned here; only ExecuteInjection releases plaintext.
func (v *Vault) GetCredential(id string) (*Credential, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	stored, ok := v.data.Credentials[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCredentialNotFound, id)
	}
	clone := stored.Credential
	return &clone, nil
}

// ListCredentials returns metadata for every stored credential.
func (v *Vault) ListCredentials() []*Credential {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]*Credential, 0, len(v.data.Credentials))
	for _, stored := range v.data.Credentials {
		clone := stored.Credential
		out = append(out, &clone)
	}
	return out
}

// DeleteCredential removes a credential and its ciphertext.
func (v *Vault) DeleteCredential(ctx context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	stored, ok := v.data.Credentials[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCredentialNotFound, id)
	}
	delete(v.data.Credentials, id)
	if err := v.save(); err != nil {
		v.data.Credentials[id] = stored
		return err
	}
	v.logger.Warn(ctx, "credential deleted",
		zap.String("credential_id", id),
		zap.String("name", stored.Credential.Name),
	)
	return nil
}

func (v *Vault) load() error {
	data, err := os.ReadFile(v.filePath)
	if err != nil {
		return err
	}
	var file vaultFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("vault file corrupted: %w", err)
	}
	if file.Credentials == nil {
		file.Credentials = make(map[string]*storedCredential)
	}
	if file.Injections == nil {
		file.Injections = make(map[string]*Injection)
	}
	v.data = &file
	return nil
}

func (v *Vault) save() error {
	data, err := json.MarshalIndent(v.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal vault: %w", err)
	}

	// Write atomically
	tmpPath := v.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write vault: %w", err)
	}
	if err := os.Rename(tmpPath, v.filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename vault: %w", err)
	}
	return nil
}
