// ABOUTME: Directory provides create, lookup and update of user profiles over store.UserStore
// ABOUTME: Profile is the read-only view the conversation core renders next to a peer

package profile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/2389/pairchat/internal/store"
)

// MaxNameLength bounds display names, in characters.
const MaxNameLength = 100

// Profile is what other users see about someone.
type Profile struct {
	UserID    string `json:"id"`
	Name      string `json:"name"`
	AvatarRef string `json:"avatar,omitempty"`
}

// FromUser converts a stored user into its public profile.
func FromUser(u *store.User) Profile {
	return Profile{UserID: u.ID, Name: u.Name, AvatarRef: u.AvatarRef}
}

// Update holds the optional fields of a profile edit. Nil leaves a field alone.
type Update struct {
	Name      *string `json:"name,omitempty"`
	AvatarRef *string `json:"avatar,omitempty"`
}

// Directory is the SQLite-backed profile directory.
type Directory struct {
	users  store.UserStore
	logger *slog.Logger
}

// NewDirectory creates a Directory. Pass nil logger for default.
func NewDirectory(users store.UserStore, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		users:  users,
		logger: logger.With("component", "profile"),
	}
}

// NormalizePhone strips formatting from a phone number, keeping digits and a
// single leading plus sign.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	var b strings.Builder
	for i, r := range phone {
		switch {
		case r == '+' && i == 0:
			b.WriteRune(r)
		case unicode.IsDigit(r):
			b.WriteRune(r)
		}
	}
	return b.String()
}

func validPhone(phone string) bool {
	digits := strings.TrimPrefix(phone, "+")
	return len(digits) >= 5 && len(digits) <= 15
}

func validName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name is required", store.ErrInvalidArgument)
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return fmt.Errorf("%w: name longer than %d characters", store.ErrInvalidArgument, MaxNameLength)
	}
	return nil
}

// Create registers a new user. A phone that is already registered returns
// store.ErrDuplicate.
func (d *Directory) Create(ctx context.Context, phone, name, avatarRef string) (*store.User, error) {
	phone = NormalizePhone(phone)
	if !validPhone(phone) {
		return nil, fmt.Errorf("%w: invalid phone number", store.ErrInvalidArgument)
	}
	if err := validName(name); err != nil {
		return nil, err
	}

	user := &store.User{
		ID:        uuid.New().String(),
		Phone:     phone,
		Name:      strings.TrimSpace(name),
		AvatarRef: strings.TrimSpace(avatarRef),
	}
	if err := d.users.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}

	d.logger.Info("user registered", "user_id", user.ID)
	return user, nil
}

// Get returns the user with the given ID.
func (d *Directory) Get(ctx context.Context, id string) (*store.User, error) {
	return d.users.GetUser(ctx, id)
}

// GetByPhone looks a user up by phone number in any formatting.
func (d *Directory) GetByPhone(ctx context.Context, phone string) (*store.User, error) {
	phone = NormalizePhone(phone)
	if !validPhone(phone) {
		return nil, fmt.Errorf("%w: invalid phone number", store.ErrInvalidArgument)
	}
	return d.users.GetUserByPhone(ctx, phone)
}

// Update applies a partial edit and returns the stored user.
func (d *Directory) Update(ctx context.Context, id string, upd Update) (*store.User, error) {
	user, err := d.users.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		if err := validName(*upd.Name); err != nil {
			return nil, err
		}
		user.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.AvatarRef != nil {
		user.AvatarRef = strings.TrimSpace(*upd.AvatarRef)
	}
	if err := d.users.UpdateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("updating user: %w", err)
	}
	return user, nil
}

// GetProfile returns the public profile for a user ID.
func (d *Directory) GetProfile(ctx context.Context, userID string) (Profile, error) {
	user, err := d.users.GetUser(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	return FromUser(user), nil
}
