package service

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/identitykit/identity-service/internal/domain"
	"github.com/identitykit/identity-service/internal/notifier"
	"github.com/identitykit/identity-service/internal/repository"
)

func strPtr(s string) *string { return &s }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type inMemoryUserRepo struct {
	mu     sync.Mutex
	nextID uint
	byID   map[uint]*domain.User
}

func newInMemoryUserRepo() *inMemoryUserRepo {
	return &inMemoryUserRepo{nextID: 1, byID: map[uint]*domain.User{}}
}

func (r *inMemoryUserRepo) FindByID(id uint) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *inMemoryUserRepo) findBy(match func(*domain.User) bool) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.byID {
		if match(u) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (r *inMemoryUserRepo) FindByEmail(email string) (*domain.User, error) {
	return r.findBy(func(u *domain.User) bool { return u.Email == email })
}

func (r *inMemoryUserRepo) FindByPhone(phone string) (*domain.User, error) {
	return r.findBy(func(u *domain.User) bool { return u.Phone != nil && *u.Phone == phone })
}

func (r *inMemoryUserRepo) FindByUsername(username string) (*domain.User, error) {
	return r.findBy(func(u *domain.User) bool { return u.Username != nil && *u.Username == username })
}

func (r *inMemoryUserRepo) Create(user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *user
	cp.ID = r.nextID
	r.nextID++
	r.byID[cp.ID] = &cp
	user.ID = cp.ID
	return nil
}

func (r *inMemoryUserRepo) Update(user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[user.ID]; !ok {
		return repository.ErrUserNotFound
	}
	cp := *user
	r.byID[user.ID] = &cp
	return nil
}

func (r *inMemoryUserRepo) UpdateLastLogin(id uint, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.LastLoginAt = &at
	return nil
}

func (r *inMemoryUserRepo) SetVerified(id uint, emailVerified, phoneVerified *bool, status *domain.UserStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	if emailVerified != nil {
		u.EmailVerified = *emailVerified
	}
	if phoneVerified != nil {
		u.PhoneVerified = *phoneVerified
	}
	if status != nil {
		u.Status = *status
	}
	return nil
}

func (r *inMemoryUserRepo) SetPasswordHash(id uint, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.PasswordHash = &hash
	return nil
}

func (r *inMemoryUserRepo) ListPaged(query repository.UserListQuery) (repository.PageResult[domain.User], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var users []domain.User
	for _, u := range r.byID {
		if query.Email != "" && !strings.Contains(u.Email, query.Email) {
			continue
		}
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return repository.PageResult[domain.User]{Items: users, Total: int64(len(users)), Page: 1, PageSize: len(users), TotalPages: 1}, nil
}

type inMemoryRefreshTokenRepo struct {
	mu       sync.Mutex
	nextID   uint
	byToken  map[string]*domain.RefreshToken
	failWith error
}

func newInMemoryRefreshTokenRepo() *inMemoryRefreshTokenRepo {
	return &inMemoryRefreshTokenRepo{nextID: 1, byToken: map[string]*domain.RefreshToken{}}
}

func (r *inMemoryRefreshTokenRepo) Create(t *domain.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	cp.ID = r.nextID
	r.nextID++
	r.byToken[cp.Token] = &cp
	t.ID = cp.ID
	return nil
}

func (r *inMemoryRefreshTokenRepo) FindByToken(token string) (*domain.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}
	t, ok := r.byToken[token]
	if !ok {
		return nil, repository.ErrRefreshTokenNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *inMemoryRefreshTokenRepo) FindActiveBySession(sessionID uint, now time.Time) (*domain.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *domain.RefreshToken
	for _, t := range r.byToken {
		if t.SessionID == nil || *t.SessionID != sessionID || t.IsRevoked || !t.ExpiresAt.After(now) {
			continue
		}
		if best == nil || t.ID > best.ID {
			best = t
		}
	}
	if best == nil {
		return nil, repository.ErrRefreshTokenNotFound
	}
	cp := *best
	return &cp, nil
}

func (r *inMemoryRefreshTokenRepo) Rotate(oldToken string, replacement *domain.RefreshToken, now time.Time) (*domain.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.byToken[oldToken]
	if !ok || old.IsRevoked || !old.ExpiresAt.After(now) {
		return nil, repository.ErrRefreshTokenNotFound
	}
	at := now.UTC()
	old.IsRevoked = true
	old.RevokedAt = &at

	cp := *replacement
	cp.ID = r.nextID
	r.nextID++
	cp.ReplacedByToken = &old.Token
	r.byToken[cp.Token] = &cp
	*replacement = cp
	return replacement, nil
}

func (r *inMemoryRefreshTokenRepo) Revoke(token string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byToken[token]
	if !ok || t.IsRevoked {
		return nil
	}
	at := now.UTC()
	t.IsRevoked = true
	t.RevokedAt = &at
	return nil
}

func (r *inMemoryRefreshTokenRepo) RevokeAllByUser(userID uint, exceptTokenID *uint, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at := now.UTC()
	var n int64
	for _, t := range r.byToken {
		if t.UserID != userID || t.IsRevoked {
			continue
		}
		if exceptTokenID != nil && t.ID == *exceptTokenID {
			continue
		}
		t.IsRevoked = true
		t.RevokedAt = &at
		n++
	}
	return n, nil
}

func (r *inMemoryRefreshTokenRepo) CleanupExpired(now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, t := range r.byToken {
		if t.IsRevoked || t.ExpiresAt.After(now) {
			continue
		}
		at := now.UTC()
		t.IsRevoked = true
		t.RevokedAt = &at
		n++
	}
	return n, nil
}

type inMemorySessionRepo struct {
	mu     sync.Mutex
	nextID uint
	byID   map[uint]*domain.UserSession
}

func newInMemorySessionRepo() *inMemorySessionRepo {
	return &inMemorySessionRepo{nextID: 1, byID: map[uint]*domain.UserSession{}}
}

func (r *inMemorySessionRepo) Create(s *domain.UserSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	cp.ID = r.nextID
	r.nextID++
	r.byID[cp.ID] = &cp
	s.ID = cp.ID
	return nil
}

func (r *inMemorySessionRepo) FindByToken(token string) (*domain.UserSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.byID {
		if s.Token == token {
			cp := *s
			return &cp, nil
		}
	}
	return nil, repository.ErrSessionNotFound
}

func (r *inMemorySessionRepo) FindByID(id uint) (*domain.UserSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *inMemorySessionRepo) ListActiveByUserID(userID uint, now time.Time) ([]domain.UserSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.UserSession
	for _, s := range r.byID {
		if s.UserID == userID && s.IsActive && s.ExpiresAt.After(now) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActiveAt.After(out[j].LastActiveAt) })
	return out, nil
}

func (r *inMemorySessionRepo) TouchActivity(id uint, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return repository.ErrSessionNotFound
	}
	if s.IsActive && at.After(s.LastActiveAt) {
		s.LastActiveAt = at
	}
	return nil
}

func (r *inMemorySessionRepo) Deactivate(id uint) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return false, repository.ErrSessionNotFound
	}
	if !s.IsActive {
		return false, nil
	}
	s.IsActive = false
	return true, nil
}

func (r *inMemorySessionRepo) DeactivateAllByUser(userID uint, exceptSessionID *uint) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.byID {
		if s.UserID != userID || !s.IsActive {
			continue
		}
		if exceptSessionID != nil && s.ID == *exceptSessionID {
			continue
		}
		s.IsActive = false
		n++
	}
	return n, nil
}

func (r *inMemorySessionRepo) CleanupExpired(now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.byID {
		if s.IsActive && !s.ExpiresAt.After(now) {
			s.IsActive = false
			n++
		}
	}
	return n, nil
}

type inMemoryRoleRepo struct {
	mu          sync.Mutex
	nextID      uint
	roles       map[uint]*domain.Role
	assignments map[uint][]uint
}

func newInMemoryRoleRepo() *inMemoryRoleRepo {
	return &inMemoryRoleRepo{nextID: 1, roles: map[uint]*domain.Role{}, assignments: map[uint][]uint{}}
}

func (r *inMemoryRoleRepo) FindByID(id uint) (*domain.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.roles[id]
	if !ok {
		return nil, repository.ErrRoleNotFound
	}
	cp := *role
	return &cp, nil
}

func (r *inMemoryRoleRepo) FindByName(name string) (*domain.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, role := range r.roles {
		if role.Name == name {
			cp := *role
			return &cp, nil
		}
	}
	return nil, repository.ErrRoleNotFound
}

func (r *inMemoryRoleRepo) FindDefault() (*domain.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, role := range r.roles {
		if role.IsDefault {
			cp := *role
			return &cp, nil
		}
	}
	return nil, repository.ErrNoDefaultRole
}

func (r *inMemoryRoleRepo) List() ([]domain.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Role
	for _, role := range r.roles {
		out = append(out, *role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *inMemoryRoleRepo) Create(role *domain.Role, permissionIDs []uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *role
	cp.ID = r.nextID
	r.nextID++
	r.roles[cp.ID] = &cp
	role.ID = cp.ID
	return nil
}

func (r *inMemoryRoleRepo) Update(role *domain.Role, permissionIDs []uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roles[role.ID]; !ok {
		return repository.ErrRoleNotFound
	}
	cp := *role
	r.roles[role.ID] = &cp
	return nil
}

func (r *inMemoryRoleRepo) DeleteByID(id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roles[id]; !ok {
		return repository.ErrRoleNotFound
	}
	delete(r.roles, id)
	return nil
}

func (r *inMemoryRoleRepo) Assign(userID, roleID uint) (*domain.UserRole, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.assignments[userID] {
		if id == roleID {
			return &domain.UserRole{UserID: userID, RoleID: roleID}, false, nil
		}
	}
	r.assignments[userID] = append(r.assignments[userID], roleID)
	return &domain.UserRole{UserID: userID, RoleID: roleID}, true, nil
}

func (r *inMemoryRoleRepo) Unassign(userID, roleID uint) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.assignments[userID]
	for i, id := range ids {
		if id == roleID {
			r.assignments[userID] = append(ids[:i], ids[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (r *inMemoryRoleRepo) CountAssignments(roleID uint) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, ids := range r.assignments {
		for _, id := range ids {
			if id == roleID {
				n++
			}
		}
	}
	return n, nil
}

func (r *inMemoryRoleRepo) RolesByUser(userID uint) ([]domain.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Role
	for _, id := range r.assignments[userID] {
		if role, ok := r.roles[id]; ok {
			out = append(out, *role)
		}
	}
	return out, nil
}

type inMemoryPermissionRepo struct {
	mu     sync.Mutex
	nextID uint
	perms  map[uint]*domain.Permission
}

func newInMemoryPermissionRepo() *inMemoryPermissionRepo {
	return &inMemoryPermissionRepo{nextID: 1, perms: map[uint]*domain.Permission{}}
}

func (r *inMemoryPermissionRepo) FindByID(id uint) (*domain.Permission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.perms[id]
	if !ok {
		return nil, repository.ErrPermissionNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *inMemoryPermissionRepo) FindByResourceAction(resource, action string) (*domain.Permission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.perms {
		if p.Resource == resource && p.Action == action {
			cp := *p
			return &cp, nil
		}
	}
	return nil, repository.ErrPermissionNotFound
}

func (r *inMemoryPermissionRepo) List() ([]domain.Permission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Permission
	for _, p := range r.perms {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *inMemoryPermissionRepo) Create(p *domain.Permission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	cp.ID = r.nextID
	r.nextID++
	r.perms[cp.ID] = &cp
	p.ID = cp.ID
	return nil
}

func (r *inMemoryPermissionRepo) DeleteByID(id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.perms[id]; !ok {
		return repository.ErrPermissionNotFound
	}
	delete(r.perms, id)
	return nil
}

type inMemoryEventRepo struct {
	mu       sync.Mutex
	events   []domain.AuthEvent
	failWith error
}

func newInMemoryEventRepo() *inMemoryEventRepo { return &inMemoryEventRepo{} }

func (r *inMemoryEventRepo) Create(e *domain.AuthEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	cp := *e
	cp.ID = uint(len(r.events) + 1)
	cp.CreatedAt = time.Now()
	r.events = append(r.events, cp)
	return nil
}

func (r *inMemoryEventRepo) RecentSuccessfulLogins(userID uint, since time.Time, limit int) ([]domain.AuthEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.AuthEvent
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := r.events[i]
		if e.UserID != nil && *e.UserID == userID && e.EventType == domain.AuthEventLoginSuccess && e.Success && !e.CreatedAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *inMemoryEventRepo) CountFailuresSince(email string, since time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, e := range r.events {
		if e.Email != nil && *e.Email == email && e.EventType == domain.AuthEventLoginFailure && !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *inMemoryEventRepo) byType(eventType domain.AuthEventType) []domain.AuthEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.AuthEvent
	for _, e := range r.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type captureNotifier struct {
	mu       sync.Mutex
	messages []notifier.Message
	failWith error
}

func (n *captureNotifier) Send(_ context.Context, msg notifier.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failWith != nil {
		return n.failWith
	}
	n.messages = append(n.messages, msg)
	return nil
}

func (n *captureNotifier) sent() []notifier.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifier.Message(nil), n.messages...)
}
