package addresses

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/shopcart/internal/sanity"
	"github.com/MarcoPoloResearchLab/shopcart/internal/serviceerror"
	"github.com/MarcoPoloResearchLab/shopcart/internal/users"
	"github.com/MarcoPoloResearchLab/shopcart/internal/validation"
)

const (
	opList       = "addresses.list"
	opCreate     = "addresses.create"
	opUpdate     = "addresses.update"
	opDelete     = "addresses.delete"
	opSetDefault = "addresses.set_default"

	queryUserAddresses = `*[_type == "address" && clerkUserId == $userId] | order(default desc, createdAt desc){
  _id, name, email, phone, address, city, state, zip, "default": coalesce(default, false), createdAt
}`
)

var (
	errMissingSanity = errors.New("sanity store is required")
	errMissingUserID = errors.New("user identifier is required")
	errNotFound      = errors.New("address not found")
)

// Address is a shipping address owned by a user.
type Address struct {
	ID        string `json:"_id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
	Address   string `json:"address"`
	City      string `json:"city"`
	State     string `json:"state"`
	Zip       string `json:"zip"`
	Default   bool   `json:"default"`
	CreatedAt string `json:"createdAt"`
}

// Input carries the editable address fields.
type Input struct {
	Name    string `json:"name" validate:"required,max=100"`
	Email   string `json:"email" validate:"required,email"`
	Phone   string `json:"phone" validate:"omitempty,max=32"`
	Address string `json:"address" validate:"required,max=200"`
	City    string `json:"city" validate:"required,max=100"`
	State   string `json:"state" validate:"required,usstate"`
	Zip     string `json:"zip" validate:"required,zipcode"`
	Default bool   `json:"default"`
}

func (in Input) normalized() Input {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Phone = strings.TrimSpace(in.Phone)
	in.Address = strings.TrimSpace(in.Address)
	in.City = strings.TrimSpace(in.City)
	in.State = strings.ToUpper(strings.TrimSpace(in.State))
	in.Zip = strings.TrimSpace(in.Zip)
	return in
}

func (in Input) fields() map[string]any {
	return map[string]any{
		"name":    in.Name,
		"email":   in.Email,
		"phone":   in.Phone,
		"address": in.Address,
		"city":    in.City,
		"state":   in.State,
		"zip":     in.Zip,
	}
}

// Invalidator drops cached per-user data after address writes.
type Invalidator interface {
	InvalidateUserData(ctx context.Context, userID string) error
}

type ServiceConfig struct {
	Sanity      sanity.Store
	Invalidator Invalidator
	Logger      *zap.Logger
	Clock       func() time.Time
}

// Service manages address documents and keeps exactly one default per user.
type Service struct {
	sanity      sanity.Store
	invalidator Invalidator
	logger      *zap.Logger
	clock       func() time.Time
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Sanity == nil {
		return nil, serviceerror.New("addresses.service.new", "missing_sanity", serviceerror.KindInternal, errMissingSanity)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{sanity: cfg.Sanity, invalidator: cfg.Invalidator, logger: logger, clock: clock}, nil
}

// List returns the user's addresses, default first.
func (s *Service) List(ctx context.Context, userID string) ([]Address, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, serviceerror.New(opList, "missing_user", serviceerror.KindUnauthorized, errMissingUserID)
	}
	return s.load(ctx, opList, userID)
}

func (s *Service) Create(ctx context.Context, userID string, input Input) (Address, error) {
	if strings.TrimSpace(userID) == "" {
		return Address{}, serviceerror.New(opCreate, "missing_user", serviceerror.KindUnauthorized, errMissingUserID)
	}
	input = input.normalized()
	if err := validation.Struct(input); err != nil {
		return Address{}, serviceerror.New(opCreate, "invalid_input", serviceerror.KindInvalid, errors.New(validation.Summary(err)))
	}

	existing, err := s.load(ctx, opCreate, userID)
	if err != nil {
		return Address{}, err
	}

	created := Address{
		ID:        sanity.NewDocumentID("address"),
		Name:      input.Name,
		Email:     input.Email,
		Phone:     input.Phone,
		Address:   input.Address,
		City:      input.City,
		State:     input.State,
		Zip:       input.Zip,
		Default:   input.Default || !hasDefault(existing),
		CreatedAt: s.clock().UTC().Format(time.RFC3339),
	}
	document := sanity.Document{
		"_id":         created.ID,
		"_type":       "address",
		"user":        sanity.Ref(users.DocumentID(userID)),
		"clerkUserId": userID,
		"default":     created.Default,
		"createdAt":   created.CreatedAt,
	}
	for key, value := range input.fields() {
		document[key] = value
	}

	mutations := []sanity.Mutation{sanity.Create(document)}
	if created.Default {
		mutations = append(mutations, clearDefaults(existing, created.ID)...)
	}
	if err := s.mutate(ctx, opCreate, userID, mutations); err != nil {
		return Address{}, err
	}
	return created, nil
}

func (s *Service) Update(ctx context.Context, userID, addressID string, input Input) (Address, error) {
	if strings.TrimSpace(userID) == "" {
		return Address{}, serviceerror.New(opUpdate, "missing_user", serviceerror.KindUnauthorized, errMissingUserID)
	}
	input = input.normalized()
	if err := validation.Struct(input); err != nil {
		return Address{}, serviceerror.New(opUpdate, "invalid_input", serviceerror.KindInvalid, errors.New(validation.Summary(err)))
	}

	existing, err := s.load(ctx, opUpdate, userID)
	if err != nil {
		return Address{}, err
	}
	current, ok := find(existing, addressID)
	if !ok {
		return Address{}, serviceerror.New(opUpdate, "not_found", serviceerror.KindNotFound, errNotFound)
	}

	makeDefault := input.Default || current.Default || !hasDefault(existing)
	patch := sanity.NewPatch(addressID).SetField("default", makeDefault)
	for key, value := range input.fields() {
		patch.SetField(key, value)
	}
	mutations := []sanity.Mutation{patch.Mutation()}
	if makeDefault && !current.Default {
		mutations = append(mutations, clearDefaults(existing, addressID)...)
	}
	if err := s.mutate(ctx, opUpdate, userID, mutations); err != nil {
		return Address{}, err
	}

	return Address{
		ID:        addressID,
		Name:      input.Name,
		Email:     input.Email,
		Phone:     input.Phone,
		Address:   input.Address,
		City:      input.City,
		State:     input.State,
		Zip:       input.Zip,
		Default:   makeDefault,
		CreatedAt: current.CreatedAt,
	}, nil
}

// Delete removes the address. When no default would remain, the most recently
// created remaining address is promoted.
func (s *Service) Delete(ctx context.Context, userID, addressID string) error {
	if strings.TrimSpace(userID) == "" {
		return serviceerror.New(opDelete, "missing_user", serviceerror.KindUnauthorized, errMissingUserID)
	}
	existing, err := s.load(ctx, opDelete, userID)
	if err != nil {
		return err
	}
	current, ok := find(existing, addressID)
	if !ok {
		return serviceerror.New(opDelete, "not_found", serviceerror.KindNotFound, errNotFound)
	}

	mutations := []sanity.Mutation{sanity.Delete(addressID)}
	if current.Default || !hasDefault(existing) {
		if successor, ok := mostRecent(existing, addressID); ok {
			mutations = append(mutations, sanity.NewPatch(successor.ID).SetField("default", true).Mutation())
		}
	}
	return s.mutate(ctx, opDelete, userID, mutations)
}

func (s *Service) SetDefault(ctx context.Context, userID, addressID string) error {
	if strings.TrimSpace(userID) == "" {
		return serviceerror.New(opSetDefault, "missing_user", serviceerror.KindUnauthorized, errMissingUserID)
	}
	existing, err := s.load(ctx, opSetDefault, userID)
	if err != nil {
		return err
	}
	if _, ok := find(existing, addressID); !ok {
		return serviceerror.New(opSetDefault, "not_found", serviceerror.KindNotFound, errNotFound)
	}
	mutations := []sanity.Mutation{sanity.NewPatch(addressID).SetField("default", true).Mutation()}
	mutations = append(mutations, clearDefaults(existing, addressID)...)
	return s.mutate(ctx, opSetDefault, userID, mutations)
}

// Get returns one of the user's addresses.
func (s *Service) Get(ctx context.Context, userID, addressID string) (Address, error) {
	existing, err := s.List(ctx, userID)
	if err != nil {
		return Address{}, err
	}
	address, ok := find(existing, addressID)
	if !ok {
		return Address{}, serviceerror.New("addresses.get", "not_found", serviceerror.KindNotFound, errNotFound)
	}
	return address, nil
}

func (s *Service) load(ctx context.Context, operation, userID string) ([]Address, error) {
	var addresses []Address
	if err := s.sanity.Query(ctx, queryUserAddresses, map[string]any{"userId": userID}, &addresses); err != nil {
		serviceerror.Log(s.logger, operation, "query_failed", err, zap.String("user_id", userID))
		return nil, serviceerror.New(operation, "query_failed", serviceerror.KindUpstream, err)
	}
	if addresses == nil {
		addresses = []Address{}
	}
	return addresses, nil
}

func (s *Service) mutate(ctx context.Context, operation, userID string, mutations []sanity.Mutation) error {
	if _, err := s.sanity.Mutate(ctx, mutations...); err != nil {
		serviceerror.Log(s.logger, operation, "mutate_failed", err, zap.String("user_id", userID))
		return serviceerror.New(operation, "mutate_failed", serviceerror.KindUpstream, err)
	}
	if s.invalidator != nil {
		_ = s.invalidator.InvalidateUserData(ctx, userID)
	}
	return nil
}

func clearDefaults(existing []Address, keepID string) []sanity.Mutation {
	var mutations []sanity.Mutation
	for _, address := range existing {
		if address.ID != keepID && address.Default {
			mutations = append(mutations, sanity.NewPatch(address.ID).SetField("default", false).Mutation())
		}
	}
	return mutations
}

func hasDefault(existing []Address) bool {
	for _, address := range existing {
		if address.Default {
			return true
		}
	}
	return false
}

func find(existing []Address, addressID string) (Address, bool) {
	for _, address := range existing {
		if address.ID == addressID {
			return address, true
		}
	}
	return Address{}, false
}

func mostRecent(existing []Address, excludeID string) (Address, bool) {
	remaining := make([]Address, 0, len(existing))
	for _, address := range existing {
		if address.ID != excludeID {
			remaining = append(remaining, address)
		}
	}
	if len(remaining) == 0 {
		return Address{}, false
	}
	sort.SliceStable(remaining, func(i, j int) bool {
		return remaining[i].CreatedAt > remaining[j].CreatedAt
	})
	return remaining[0], true
}
