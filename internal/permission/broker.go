// Package permission brokers capability grants between plugins and the
// gateway. Plugins file requests; operators approve or deny them; runtime
// checks resolve against an in-memory grant index so the hot path never
// touches disk.
//
// Approval is asynchronous. Request returns immediately with a pending
// request id and the caller polls GetRequest; nothing blocks waiting for
// a human.
package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentgate/internal/logging"
	"github.com/fyrsmithlabs/agentgate/internal/manifest"
)

// Errors for broker operations.
var (
	ErrSubjectNotApproved = errors.New("subject is not an approved plugin")
	ErrRequestNotFound    = errors.New("permission request not found")
	ErrAlreadyResolved    = errors.New("permission request already resolved")
	ErrCapabilityInvalid  = errors.New("capability is not valid")
)

// RequestState tracks a permission request through resolution.
type RequestState string

const (
	RequestPending  RequestState = "pending"
	RequestApproved RequestState = "approved"
	RequestDenied   RequestState = "denied"
)

// Request is a pending or resolved ask for one capability.
type Request struct {
	ID            string              `json:"id"`
	Subject       string              `json:"subject"`
	Capability    manifest.Capability `json:"capability"`
	Scope         string              `json:"scope,omitempty"`
	Justification string              `json:"justification,omitempty"`
	RiskScore     int                 `json:"risk_score"`
	State         RequestState        `json:"state"`
	ResolvedBy    string              `json:"resolved_by,omitempty"`
	Reason        string              `json:"reason,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	ResolvedAt    *time.Time          `json:"resolved_at,omitempty"`
}

// Grant is an active capability held by a subject. A zero ExpiresAt means
// the grant does not expire.
type Grant struct {
	ID         string              `json:"id"`
	Subject    string              `json:"subject"`
	Capability manifest.Capability `json:"capability"`
	Scope      string              `json:"scope,omitempty"`
	GrantedBy  string              `json:"granted_by"`
	RequestID  string              `json:"request_id,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	ExpiresAt  time.Time           `json:"expires_at,omitempty"`
}

func (g *Grant) expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && now.After(g.ExpiresAt)
}

// SubjectChecker reports whether a subject is an approved plugin. The
// registry satisfies this.
type SubjectChecker interface {
	IsApproved(subject string) bool
}

// SubjectCheckerFunc adapts a function to SubjectChecker.
type SubjectCheckerFunc func(subject string) bool

func (f SubjectCheckerFunc) IsApproved(subject string) bool { return f(subject) }

// brokerFile is the persisted structure.
type brokerFile struct {
	Version  int                 `json:"version"`
	Requests map[string]*Request `json:"requests"`
	Grants   map[string]*Grant   `json:"grants"`
}

// Broker manages permission requests and grants with JSON persistence.
type Broker struct {
	mu       sync.Mutex
	data     *brokerFile
	index    map[string]map[manifest.Capability]*Grant
	filePath string
	subjects SubjectChecker
	logger   *logging.Logger
	now      func() time.Time
}

// New creates a broker persisting to stateDir/permissions.json.
func New(stateDir string, subjects SubjectChecker, logger *logging.Logger) (*Broker, error) {
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	b := &Broker{
		data: &brokerFile{
			Version:  1,
			Requests: make(map[string]*Request),
			Grants:   make(map[string]*Grant),
		},
		index:    make(map[string]map[manifest.Capability]*Grant),
		filePath: filepath.Join(stateDir, "permissions.json"),
		subjects: subjects,
		logger:   logger.Named("permission"),
		now:      time.Now,
	}

	if err := b.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load permission state: %w", err)
	}
	b.rebuildIndex()
	return b, nil
}

// Request files a capability request for a subject. The subject must be
// an approved plugin. The returned request starts pending; callers poll
// GetRequest for resolution.
func (b *Broker) Request(ctx context.Context, subject string, cap manifest.Capability, scope, justification string) (*Request, error) {
	if !cap.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrCapabilityInvalid, cap)
	}
	if !b.subjects.IsApproved(subject) {
		return nil, fmt.Errorf("%w: %s", ErrSubjectNotApproved, subject)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	req := &Request{
		ID:            "perm_" + uuid.NewString(),
		Subject:       subject,
		Capability:    cap,
		Scope:         scope,
		Justification: justification,
		RiskScore:     cap.RiskWeight(),
		State:         RequestPending,
		CreatedAt:     b.now().UTC(),
	}
	b.data.Requests[req.ID] = req

	if err := b.save(); err != nil {
		delete(b.data.Requests, req.ID)
		return nil, err
	}

	b.logger.Info(ctx, "permission requested",
		zap.String("request_id", req.ID),
		zap.String("subject", subject),
		zap.String("capability", string(cap)),
		zap.Int("risk_score", req.RiskScore),
	)
	clone := *req
	return &clone, nil
}

// Approve resolves a pending request and mints grants for the requested
// capability and its implied dependencies. A zero ttl means the grants do
// not expire. Re-resolving fails with ErrAlreadyResolved.
func (b *Broker) Approve(ctx context.Context, requestID, approver string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	req, ok := b.data.Requests[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	if req.State != RequestPending {
		return fmt.Errorf("%w: request %s is %s", ErrAlreadyResolved, requestID, req.State)
	}

	now := b.now().UTC()
	req.State = RequestApproved
	req.ResolvedBy = approver
	req.ResolvedAt = &now

	caps := append([]manifest.Capability{req.Capability}, req.Capability.Dependencies()...)
	var minted []*Grant
	for _, cap := range caps {
		if existing := b.lookup(req.Subject, cap, now); existing != nil {
			continue
		}
		grant := &Grant{
			ID:         "grant_" + uuid.NewString(),
			Subject:    req.Subject,
			Capability: cap,
			Scope:      req.Scope,
			GrantedBy:  approver,
			RequestID:  requestID,
			CreatedAt:  now,
		}
		if ttl > 0 {
			grant.ExpiresAt = now.Add(ttl)
		}
		b.data.Grants[grant.ID] = grant
		minted = append(minted, grant)
	}

	if err := b.save(); err != nil {
		return err
	}
	for _, grant := range minted {
		b.indexGrant(grant)
	}

	b.logger.Info(ctx, "permission approved",
		zap.String("request_id", requestID),
		zap.String("subject", req.Subject),
		zap.String("approver", approver),
		zap.Int("grants_minted", len(minted)),
	)
	return nil
}

// Deny resolves a pending request without minting grants.
func (b *Broker) Deny(ctx context.Context, requestID, approver, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	req, ok := b.data.Requests[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	if req.State != RequestPending {
		return fmt.Errorf("%w: request %s is %s", ErrAlreadyResolved, requestID, req.State)
	}

	now := b.now().UTC()
	req.State = RequestDenied
	req.ResolvedBy = approver
	req.Reason = reason
	req.ResolvedAt = &now

	if err := b.save(); err != nil {
		return err
	}
	b.logger.Info(ctx, "permission denied",
		zap.String("request_id", requestID),
		zap.String("subject", req.Subject),
		zap.String("reason", reason),
	)
	return nil
}

// Check reports whether a subject holds an unexpired grant for the
// capability. Expired grants are pruned on the way through.
func (b *Broker) Check(subject string, cap manifest.Capability) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lookup(subject, cap, b.now().UTC()) != nil
}

// lookup returns the live grant for subject/cap, pruning it if expired.
// Caller holds mu.
func (b *Broker) lookup(subject string, cap manifest.Capability, now time.Time) *Grant {
	grants, ok := b.index[subject]
	if !ok {
		return nil
	}
	grant, ok := grants[cap]
	if !ok {
		return nil
	}
	if grant.expired(now) {
		delete(grants, cap)
		delete(b.data.Grants, grant.ID)
		return nil
	}
	return grant
}

// GetRequest returns a request by id.
func (b *Broker) GetRequest(requestID string) (*Request, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	req, ok := b.data.Requests[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	clone := *req
	return &clone, nil
}

// GrantsFor returns the subject's live grants.
func (b *Broker) GrantsFor(subject string) []*Grant {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now().UTC()
	var out []*Grant
	for cap := range b.index[subject] {
		if grant := b.lookup(subject, cap, now); grant != nil {
			clone := *grant
			out = append(out, &clone)
		}
	}
	return out
}

// SubjectRisk sums the risk weights of a subject's live grants.
func (b *Broker) SubjectRisk(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now().UTC()
	total := 0
	for cap := range b.index[subject] {
		if b.lookup(subject, cap, now) != nil {
			total += cap.RiskWeight()
		}
	}
	return total
}

// RevokeSubject drops every grant the subject holds and denies its
// pending requests. The registry calls this when a plugin is revoked.
func (b *Broker) RevokeSubject(ctx context.Context, subject string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for id, grant := range b.data.Grants {
		if grant.Subject == subject {
			delete(b.data.Grants, id)
			removed++
		}
	}
	delete(b.index, subject)

	now := b.now().UTC()
	for _, req := range b.data.Requests {
		if req.Subject == subject && req.State == RequestPending {
			req.State = RequestDenied
			req.Reason = "subject revoked"
			req.ResolvedAt = &now
		}
	}

	if err := b.save(); err != nil {
		return err
	}
	b.logger.Warn(ctx, "subject permissions revoked",
		zap.String("subject", subject),
		zap.Int("grants_removed", removed),
	)
	return nil
}

func (b *Broker) indexGrant(grant *Grant) {
	grants, ok := b.index[grant.Subject]
	if !ok {
		grants = make(map[manifest.Capability]*Grant)
		b.index[grant.Subject] = grants
	}
	grants[grant.Capability] = grant
}

func (b *Broker) rebuildIndex() {
	b.index = make(map[string]map[manifest.Capability]*Grant)
	for _, grant := range b.data.Grants {
		b.indexGrant(grant)
	}
}

func (b *Broker) load() error {
	data, err := os.ReadFile(b.filePath)
	if err != nil {
		return err
	}
	var file brokerFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("permission state corrupted: %w", err)
	}
	if file.Requests == nil {
		file.Requests = make(map[string]*Request)
	}
	if file.Grants == nil {
		file.Grants = make(map[string]*Grant)
	}
	b.data = &file
	return nil
}

func (b *Broker) save() error {
	data, err := json.MarshalIndent(b.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal permission state: %w", err)
	}

	// Write atomically
	tmpPath := b.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write permission state: %w", err)
	}
	if err := os.Rename(tmpPath, b.filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename permission state: %w", err)
	}
	return nil
}
