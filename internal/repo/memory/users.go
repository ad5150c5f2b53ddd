package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/celestya/backend/internal/domain/model"
)

type Users struct {
	mu           sync.Mutex
	nextID       int64
	byID         map[int64]model.User
	byEmail      map[string]int64
	verification map[int64]model.EmailVerification
}

func NewUsers() *Users {
	return &Users{
		byID:         make(map[int64]model.User),
		byEmail:      make(map[string]int64),
		verification: make(map[int64]model.EmailVerification),
	}
}

func (u *Users) CreateUser(_ context.Context, user model.User, verification model.EmailVerification) (model.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	email := strings.ToLower(strings.TrimSpace(user.Email))
	if _, exists := u.byEmail[email]; exists {
		return model.User{}, model.ErrEmailTaken
	}

	u.nextID++
	user.ID = u.nextID
	user.Email = email
	u.byID[user.ID] = user
	u.byEmail[email] = user.ID
	if !user.EmailVerified {
		u.verification[user.ID] = verification
	}
	return user, nil
}

func (u *Users) FindUserByEmail(_ context.Context, email string) (model.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	id, ok := u.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return model.User{}, model.ErrUserNotFound
	}
	return u.byID[id], nil
}

func (u *Users) FindUserByVerificationLink(_ context.Context, linkHash string) (model.User, model.EmailVerification, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if linkHash == "" {
		return model.User{}, model.EmailVerification{}, model.ErrUserNotFound
	}
	for id, v := range u.verification {
		if v.LinkHash == linkHash {
			return u.byID[id], v, nil
		}
	}
	return model.User{}, model.EmailVerification{}, model.ErrUserNotFound
}

func (u *Users) PendingVerification(_ context.Context, userID int64) (model.EmailVerification, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, ok := u.byID[userID]; !ok {
		return model.EmailVerification{}, model.ErrUserNotFound
	}
	return u.verification[userID], nil
}

func (u *Users) SetVerification(_ context.Context, userID int64, verification model.EmailVerification, at time.Time) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	user, ok := u.byID[userID]
	if !ok {
		return model.ErrUserNotFound
	}
	user.UpdatedAt = at
	u.byID[userID] = user
	u.verification[userID] = verification
	return nil
}

func (u *Users) MarkEmailVerified(_ context.Context, userID int64, at time.Time) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	user, ok := u.byID[userID]
	if !ok {
		return false, model.ErrUserNotFound
	}
	if user.EmailVerified {
		return false, nil
	}
	user.EmailVerified = true
	user.UpdatedAt = at
	u.byID[userID] = user
	delete(u.verification, userID)
	return true, nil
}

func (u *Users) IsVerified(_ context.Context, userID int64) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	user, ok := u.byID[userID]
	if !ok {
		return false, model.ErrUserNotFound
	}
	return user.EmailVerified, nil
}
