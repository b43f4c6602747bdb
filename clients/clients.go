// Package clients keeps the registry of certificate holders. Registration
// validates and canonicalizes the holder's CPF and name so the same person
// cannot register twice under formatting variants, and the registry tracks
// whether each client currently holds a valid certificate.
package clients

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/veridoc/veridoc/ca"
	"github.com/veridoc/veridoc/internal/uuid"
)

var (
	// ErrNotFound is returned when no client matches the lookup.
	ErrNotFound = errors.New("client not found")

	// ErrDuplicateCPF is returned when the CPF is already registered.
	ErrDuplicateCPF = errors.New("CPF already registered")

	// ErrDuplicateEmail is returned when the email is already registered.
	ErrDuplicateEmail = errors.New("email already registered")

	// ErrInvalidInput is returned for missing or malformed registration
	// fields other than the CPF.
	ErrInvalidInput = errors.New("invalid client input")
)

// Client is a registered certificate holder.
type Client struct {
	ID                  string    `json:"id"`
	CPF                 string    `json:"cpf"` // canonical 11 digits
	Email               string    `json:"email"`
	Name                string    `json:"name"`
	BirthDate           time.Time `json:"birth_date"`
	HasValidCertificate bool      `json:"has_valid_certificate"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// RegisterInput is the data needed to register a client.
type RegisterInput struct {
	Name      string
	Email     string
	CPF       string
	BirthDate time.Time
}

// Registry is an in-memory client registry. It satisfies ca.ClientDirectory,
// so the certificate authority can resolve holders through it directly.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*Client
	byCPF   map[string]string // CPF -> client ID
	byEmail map[string]string // email -> client ID
}

var _ ca.ClientDirectory = (*Registry)(nil)

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:    make(map[string]*Client),
		byCPF:   make(map[string]string),
		byEmail: make(map[string]string),
	}
}

func cloneClient(c *Client) *Client {
	cp := *c
	return &cp
}

// Register validates and stores a new client. The CPF is canonicalized to 11
// digits, the name to NFC form, and the email to lower case.
func (r *Registry) Register(_ context.Context, in RegisterInput) (*Client, error) {
	cpf, err := NormalizeCPF(in.CPF)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(norm.NFC.String(in.Name))
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if in.BirthDate.IsZero() {
		return nil, fmt.Errorf("%w: birth date is required", ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byCPF[cpf]; ok {
		return nil, ErrDuplicateCPF
	}
	if _, ok := r.byEmail[email]; ok {
		return nil, ErrDuplicateEmail
	}

	now := time.Now().UTC()
	client := &Client{
		ID:        uuid.New(),
		CPF:       cpf,
		Email:     email,
		Name:      name,
		BirthDate: in.BirthDate,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.byID[client.ID] = client
	r.byCPF[cpf] = client.ID
	r.byEmail[email] = client.ID
	return cloneClient(client), nil
}

// FindByID returns the client with the given ID.
func (r *Registry) FindByID(_ context.Context, id string) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneClient(client), nil
}

// FindByCPF returns the client with the given CPF, accepting punctuated
// input.
func (r *Registry) FindByCPF(_ context.Context, rawCPF string) (*Client, error) {
	cpf, err := NormalizeCPF(rawCPF)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byCPF[cpf]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneClient(r.byID[id]), nil
}

// List returns all clients ordered by registration time, newest first.
func (r *Registry) List(_ context.Context) ([]*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, cloneClient(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// FindByLegalID implements ca.ClientDirectory. An unknown legal ID maps to
// ca.ErrClientNotFound; other failures pass through unchanged.
func (r *Registry) FindByLegalID(ctx context.Context, legalID string) (*ca.ClientSummary, error) {
	client, err := r.FindByCPF(ctx, legalID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ca.ErrClientNotFound, legalID)
	}
	if err != nil {
		return nil, err
	}
	return &ca.ClientSummary{
		ID:        client.ID,
		LegalID:   client.CPF,
		Email:     client.Email,
		Name:      client.Name,
		BirthDate: client.BirthDate,
	}, nil
}

// SetCertificateStatus implements ca.ClientDirectory.
func (r *Registry) SetCertificateStatus(_ context.Context, clientID string, hasValid bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok := r.byID[clientID]
	if !ok {
		return ErrNotFound
	}
	client.HasValidCertificate = hasValid
	client.UpdatedAt = time.Now().UTC()
	return nil
}
