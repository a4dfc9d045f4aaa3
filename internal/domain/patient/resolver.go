package patient

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/labportal/labportal/internal/platform/db"
)

type ResolutionKind int

const (
	MissingEmail ResolutionKind = iota + 1
	StoreFailure
)

// ResolutionError reports why a row's patient could not be determined.
type ResolutionError struct {
	Kind ResolutionKind
	Err  error
}

func (e *ResolutionError) Error() string {
	switch e.Kind {
	case MissingEmail:
		return "patient email is required"
	default:
		return "patient lookup failed"
	}
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Resolution is the outcome of a successful Resolve.
type Resolution struct {
	PatientID uuid.UUID
	Created   bool
}

// Resolver maps an email to a patient, provisioning one with a random
// placeholder credential when none exists. The uploader never learns the
// credential; the patient must reset it before first login.
type Resolver struct {
	patients   PatientRepository
	bcryptCost int
}

func NewResolver(patients PatientRepository, bcryptCost int) *Resolver {
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Resolver{patients: patients, bcryptCost: bcryptCost}
}

// Resolve finds the patient with exactly this email or creates one named
// fallbackName. A concurrent create for the same email is resolved by
// re-reading after the unique-key conflict.
func (r *Resolver) Resolve(ctx context.Context, email, fallbackName string) (Resolution, error) {
	if strings.TrimSpace(email) == "" {
		return Resolution{}, &ResolutionError{Kind: MissingEmail}
	}

	existing, err := r.patients.FindByEmail(ctx, email)
	if err == nil {
		return Resolution{PatientID: existing.ID}, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return Resolution{}, &ResolutionError{Kind: StoreFailure, Err: err}
	}

	hash, err := r.placeholderHash()
	if err != nil {
		return Resolution{}, &ResolutionError{Kind: StoreFailure, Err: err}
	}

	name := strings.TrimSpace(fallbackName)
	if name == "" {
		name = PlaceholderName
	}
	p := &Patient{
		Email:                 email,
		Name:                  name,
		PasswordHash:          hash,
		PasswordResetRequired: true,
	}

	err = r.patients.Create(ctx, p)
	if errors.Is(err, ErrEmailTaken) {
		winner, rerr := r.patients.FindByEmail(ctx, email)
		if rerr != nil {
			return Resolution{}, &ResolutionError{Kind: StoreFailure, Err: rerr}
		}
		return Resolution{PatientID: winner.ID}, nil
	}
	if err != nil {
		return Resolution{}, &ResolutionError{Kind: StoreFailure, Err: err}
	}

	zerolog.Ctx(ctx).Info().Str("patient_id", p.ID.String()).Msg("patient provisioned from upload")
	return Resolution{PatientID: p.ID, Created: true}, nil
}

func (r *Resolver) placeholderHash() (string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("generate placeholder secret: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(base64.RawURLEncoding.EncodeToString(secret)), r.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash placeholder secret: %w", err)
	}
	return string(hash), nil
}
