package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"costbook/backend/internal/domain"
	"costbook/backend/internal/store"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func ownerAccount(password string) domain.UserAccount {
	return domain.UserAccount{
		Username:   "owner",
		Password:   password,
		Role:       domain.RoleOwner,
		BusinessID: "biz-main",
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	users := &userStoreStub{users: map[string]domain.UserAccount{"owner": ownerAccount("owner123")}}

	manager := NewAuthManager("test-secret", time.Hour, users)
	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "Owner", Password: "owner123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.BusinessID != "biz-main" || resp.Role != domain.RoleOwner {
		t.Fatalf("unexpected login response: %+v", resp)
	}

	stored, _ := users.ListUsers(context.Background())
	if len(stored) != 1 {
		t.Fatalf("expected 1 user, got %d", len(stored))
	}
	if stored[0].Password == "owner123" || !isPasswordHash(stored[0].Password) {
		t.Fatalf("expected password to be upgraded from plain-text")
	}
	if users.updates == 0 {
		t.Fatalf("expected the upgraded hash to be persisted")
	}
}

func TestLoginRejectsWrongPasswordAndInactiveAccount(t *testing.T) {
	hash, err := hashPassword("owner123")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	inactive := ownerAccount(hash)
	inactive.Username = "retired"
	inactive.Active = false
	users := &userStoreStub{users: map[string]domain.UserAccount{
		"owner":   ownerAccount(hash),
		"retired": inactive,
	}}
	manager := NewAuthManager("test-secret", time.Hour, users)

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "owner", Password: "nope"}); !errors.Is(err, errInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "retired", Password: "owner123"}); err == nil {
		t.Fatalf("expected inactive account to be rejected")
	}
}

func TestParseTokenCarriesBusiness(t *testing.T) {
	hash, _ := hashPassword("owner123")
	users := &userStoreStub{users: map[string]domain.UserAccount{"owner": ownerAccount(hash)}}
	manager := NewAuthManager("test-secret", time.Hour, users)

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "owner", Password: "owner123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "owner" || actor.BusinessID != "biz-main" || actor.Role != domain.RoleOwner {
		t.Fatalf("unexpected actor: %+v", actor)
	}

	other := NewAuthManager("another-secret", time.Hour, users)
	if _, err := other.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestCreateStaffStoresPasswordHash(t *testing.T) {
	users := &userStoreStub{users: map[string]domain.UserAccount{}}
	manager := NewAuthManager("test-secret", time.Hour, users)
	owner := domain.Actor{Username: "owner", Role: domain.RoleOwner, BusinessID: "biz-main"}

	created, err := manager.CreateStaff(context.Background(), owner, domain.StaffCreateRequest{
		Username: "Kitchen01",
		Password: "secret123",
	})
	if err != nil {
		t.Fatalf("create staff failed: %v", err)
	}
	if created.Username != "kitchen01" || created.Role != domain.RoleStaff {
		t.Fatalf("unexpected staff user: %+v", created)
	}

	saved := users.users["kitchen01"]
	if saved.BusinessID != "biz-main" {
		t.Fatalf("expected staff to join the owner's business, got %q", saved.BusinessID)
	}
	if saved.Password == "secret123" || !strings.HasPrefix(saved.Password, "$2") {
		t.Fatalf("expected bcrypt hash to be stored")
	}

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "kitchen01", Password: "secret123"}); err != nil {
		t.Fatalf("new staff login failed: %v", err)
	}

	_, err = manager.CreateStaff(context.Background(), owner, domain.StaffCreateRequest{Username: "kitchen01", Password: "secret123"})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on duplicate username, got %v", err)
	}
}

func TestCreateStaffValidation(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, &userStoreStub{})
	owner := domain.Actor{Username: "owner", Role: domain.RoleOwner, BusinessID: "biz-main"}

	cases := []domain.StaffCreateRequest{
		{Username: "abc", Password: "secret123"},
		{Username: "has space", Password: "secret123"},
		{Username: "kitchen", Password: "short"},
		{Username: "kitchen", Password: "secret123", Role: domain.RoleOwner},
	}
	for _, req := range cases {
		if _, err := manager.CreateStaff(context.Background(), owner, req); !errors.Is(err, store.ErrInvalidInput) {
			t.Fatalf("expected invalid input for %+v, got %v", req, err)
		}
	}
}

func TestListStaffScopesToBusiness(t *testing.T) {
	hash, _ := hashPassword("secret123")
	users := &userStoreStub{users: map[string]domain.UserAccount{
		"owner":   ownerAccount(hash),
		"cook":    {Username: "cook", Password: hash, Role: domain.RoleStaff, BusinessID: "biz-main", Active: true},
		"lead":    {Username: "lead", Password: hash, Role: domain.RoleManager, BusinessID: "biz-main", Active: true},
		"outside": {Username: "outside", Password: hash, Role: domain.RoleStaff, BusinessID: "biz-other", Active: true},
	}}
	manager := NewAuthManager("test-secret", time.Hour, users)

	staff := manager.ListStaff(context.Background(), "biz-main")
	if len(staff) != 2 {
		t.Fatalf("expected 2 staff users, got %d", len(staff))
	}
	if staff[0].Username != "cook" || staff[1].Username != "lead" {
		t.Fatalf("expected staff sorted by username, got %+v", staff)
	}
}
