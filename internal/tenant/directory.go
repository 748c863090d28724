package tenant

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/darsavelidze/safe-school/internal/apperror"
	"github.com/darsavelidze/safe-school/internal/model"
	"github.com/darsavelidze/safe-school/pkg/jwtutil"
	"github.com/darsavelidze/safe-school/prometheus"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	MinIDLength     = 3
	MaxIDLength     = 128
	MinSecretLength = 4
	// bcrypt ignores everything past 72 bytes
	MaxSecretLength = 72
)

var (
	ErrTokenInvalid = apperror.New(apperror.Unauthorized, "invalid token")
	ErrTokenExpired = apperror.New(apperror.Unauthorized, "token expired")
	ErrNotFound     = apperror.New(apperror.NotFound, "school not found")
	ErrBadSecret    = apperror.New(apperror.Unauthorized, "invalid credentials")
	ErrExists       = apperror.New(apperror.Conflict, "school already registered")
)

// TokenIssuer signs and verifies bearer tokens carrying a school id
type TokenIssuer interface {
	GenerateToken(schoolID string) (string, time.Time, error)
	ValidateToken(token string) (string, error)
}

// SnapshotRequester schedules an asynchronous durability snapshot
type SnapshotRequester interface {
	RequestSnapshot()
}

// Credential is what a school receives after registering or logging in
type Credential struct {
	Token     string    `json:"token"`
	TenantID  string    `json:"school_id"`
	Name      string    `json:"name,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Directory is the registry of schools and their credentials
type Directory struct {
	tokens     TokenIssuer
	log        *zap.Logger
	bcryptCost int

	mu        sync.RWMutex
	tenants   map[string]model.Tenant
	snapshots SnapshotRequester
	now       func() time.Time
}

// NewDirectory creates an empty directory. bcryptCost falls back to
// bcrypt.DefaultCost when out of range.
func NewDirectory(tokens TokenIssuer, log *zap.Logger, bcryptCost int) *Directory {
	if log == nil {
		log = zap.NewNop()
	}
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Directory{
		tokens:     tokens,
		log:        log,
		bcryptCost: bcryptCost,
		tenants:    make(map[string]model.Tenant),
		now:        time.Now,
	}
}

// SetSnapshotRequester attaches the persistence gateway
func (d *Directory) SetSnapshotRequester(s SnapshotRequester) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snapshots = s
}

// Register creates a school and returns a fresh credential for it
func (d *Directory) Register(id, displayName, secret string) (Credential, error) {
	if err := validateID(id); err != nil {
		return Credential{}, err
	}
	if len(secret) < MinSecretLength {
		return Credential{}, apperror.Newf(apperror.InvalidInput, "password must be at least %d characters", MinSecretLength)
	}
	if len(secret) > MaxSecretLength {
		return Credential{}, apperror.Newf(apperror.InvalidInput, "password must be at most %d bytes", MaxSecretLength)
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = id
	}

	if _, exists := d.Lookup(id); exists {
		return Credential{}, ErrExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), d.bcryptCost)
	if err != nil {
		return Credential{}, apperror.Wrap(apperror.Internal, "registration failed", err)
	}

	d.mu.Lock()
	if _, exists := d.tenants[id]; exists {
		d.mu.Unlock()
		return Credential{}, ErrExists
	}
	d.tenants[id] = model.Tenant{
		ID:             id,
		DisplayName:    displayName,
		CredentialHash: string(hash),
		CreatedAt:      d.now().UTC(),
	}
	count := len(d.tenants)
	snapshots := d.snapshots
	d.mu.Unlock()

	prometheus.RegisteredTenantsGauge.Set(float64(count))
	d.log.Info("School registered", zap.String("school_id", id))

	if snapshots != nil {
		snapshots.RequestSnapshot()
	}

	cred, err := d.IssueToken(id)
	if err != nil {
		return Credential{}, err
	}
	cred.Name = displayName
	return cred, nil
}

// Authenticate checks a school's secret and returns a fresh credential
func (d *Directory) Authenticate(id, secret string) (Credential, error) {
	t, ok := d.Lookup(id)
	if !ok {
		return Credential{}, ErrNotFound
	}

	if err := bcrypt.CompareHashAndPassword([]byte(t.CredentialHash), []byte(secret)); err != nil {
		return Credential{}, ErrBadSecret
	}

	cred, err := d.IssueToken(id)
	if err != nil {
		return Credential{}, err
	}
	cred.Name = t.DisplayName
	return cred, nil
}

// IssueToken signs a token for id without checking any credential. The id
// does not have to be registered.
func (d *Directory) IssueToken(id string) (Credential, error) {
	if err := validateID(id); err != nil {
		return Credential{}, err
	}

	token, expiresAt, err := d.tokens.GenerateToken(id)
	if err != nil {
		return Credential{}, apperror.Wrap(apperror.Internal, "token error", err)
	}
	return Credential{Token: token, TenantID: id, ExpiresAt: expiresAt}, nil
}

// ValidateToken resolves a bearer token to the school id it was issued for
func (d *Directory) ValidateToken(token string) (string, error) {
	if token == "" {
		return "", ErrTokenInvalid
	}

	id, err := d.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwtutil.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrTokenInvalid
	}
	return id, nil
}

// Lookup returns a registered school
func (d *Directory) Lookup(id string) (model.Tenant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tenants[id]
	return t, ok
}

// Count returns the number of registered schools
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.tenants)
}

// Export returns every school ordered by id
func (d *Directory) Export() []model.Tenant {
	d.mu.RLock()
	out := make([]model.Tenant, 0, len(d.tenants))
	for _, t := range d.tenants {
		out = append(out, t)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Import replaces the directory content with restored schools. Entries
// without an id or credential hash are skipped.
func (d *Directory) Import(tenants []model.Tenant) {
	restored := make(map[string]model.Tenant, len(tenants))
	for _, t := range tenants {
		if t.ID == "" || t.CredentialHash == "" {
			d.log.Warn("Skipping malformed school record", zap.String("school_id", t.ID))
			continue
		}
		restored[t.ID] = t
	}

	d.mu.Lock()
	d.tenants = restored
	d.mu.Unlock()

	prometheus.RegisteredTenantsGauge.Set(float64(len(restored)))
}

func validateID(id string) error {
	if !utf8.ValidString(id) {
		return apperror.New(apperror.InvalidInput, "school_id must be valid UTF-8")
	}
	n := utf8.RuneCountInString(id)
	if n < MinIDLength {
		return apperror.Newf(apperror.InvalidInput, "school_id must be at least %d characters", MinIDLength)
	}
	if n > MaxIDLength {
		return apperror.Newf(apperror.InvalidInput, "school_id must be at most %d characters", MaxIDLength)
	}
	if strings.TrimSpace(id) != id {
		return apperror.New(apperror.InvalidInput, "school_id must not start or end with whitespace")
	}
	return nil
}
