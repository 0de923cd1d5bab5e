package user

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go-dm/internal/domain"
	"go-dm/internal/mocks"
	"go-dm/internal/store/memory"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/crypto/bcrypt"
)

const secret = "test-secret"

type fakePresence struct {
	mu       sync.Mutex
	touched  []string
	retired  []string
	statuses map[string]domain.UserStatus
}

func (p *fakePresence) Touch(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.touched = append(p.touched, userID)
}

func (p *fakePresence) AudienceOf(_ context.Context, userID string) ([]string, error) {
	return []string{"user:" + userID}, nil
}

func (p *fakePresence) Retire(userID string, _ []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retired = append(p.retired, userID)
}

func (p *fakePresence) StatusesOf(_ context.Context, ids []string) (map[string]domain.UserStatus, error) {
	out := make(map[string]domain.UserStatus)
	for _, id := range ids {
		if st, ok := p.statuses[id]; ok {
			out[id] = st
		}
	}
	return out, nil
}

type fakeSessions struct{ closed []string }

func (s *fakeSessions) CloseSessions(userID string) int {
	s.closed = append(s.closed, userID)
	return 1
}

type fixture struct {
	svc      *Service
	store    *memory.Store
	presence *fakePresence
	sessions *fakeSessions
}

func newFixture() fixture {
	store := memory.New()
	presence := &fakePresence{statuses: map[string]domain.UserStatus{}}
	sessions := &fakeSessions{}
	svc := NewService(store, store, presence, sessions, secret, time.Hour, logs.GetLoggerFromLevel(slog.LevelDebug))
	svc.bcryptCost = bcrypt.MinCost
	return fixture{svc: svc, store: store, presence: presence, sessions: sessions}
}

func (f fixture) register(t *testing.T, name string) *LoginResponse {
	resp, err := f.svc.Register(context.Background(), &RegisterRequest{
		Username: name, Email: name + "@example.com", Password: "secret123",
	})
	require.NoError(t, err)
	return resp
}

func TestRegisterAndLogin(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	ctx := context.Background()

	// Given a registered user
	registered, err := f.svc.Register(ctx, &RegisterRequest{
		Username: "  alice ", Email: "Alice@Example.com", Password: "secret123", ConfirmPassword: "secret123",
	})
	req.NoError(err)
	req.Equal("alice", registered.Username)
	req.Contains(f.presence.touched, registered.ID)

	// When she logs in with a differently cased email
	logged, err := f.svc.Login(ctx, &LoginRequest{Email: "ALICE@example.com", Password: "secret123"})

	// Then the token resolves to her
	req.NoError(err)
	id, username, err := f.svc.ValidateToken(logged.AccessToken)
	req.NoError(err)
	req.Equal(registered.ID, id)
	req.Equal("alice", username)

	stored, err := f.store.GetUser(ctx, id)
	req.NoError(err)
	req.Equal("alice", stored.DisplayName)
	req.NotEqual("secret123", stored.PasswordHash)
}

func TestRegister_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		req     RegisterRequest
		wantErr error
	}{
		{name: "short username", req: RegisterRequest{Username: "al", Email: "al@example.com", Password: "secret123"}, wantErr: domain.ErrValidation},
		{name: "bad email", req: RegisterRequest{Username: "alice", Email: "nope", Password: "secret123"}, wantErr: domain.ErrValidation},
		{name: "short password", req: RegisterRequest{Username: "alice", Email: "alice@example.com", Password: "123"}, wantErr: domain.ErrValidation},
		{name: "mismatched confirmation", req: RegisterRequest{Username: "alice", Email: "alice@example.com", Password: "secret123", ConfirmPassword: "secret124"}, wantErr: domain.ErrValidation},
		{name: "taken username", req: RegisterRequest{Username: "taken", Email: "other@example.com", Password: "secret123"}, wantErr: domain.ErrConflict},
		{name: "taken email", req: RegisterRequest{Username: "other", Email: "taken@example.com", Password: "secret123"}, wantErr: domain.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.register(t, "taken")

			_, err := f.svc.Register(context.Background(), &tt.req)

			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRegister_StoreFailureIsRetriable(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	users := mocks.NewMockUserStore(ctrl)
	presence := &fakePresence{}
	svc := NewService(users, memory.New(), presence, &fakeSessions{}, secret, time.Hour, logs.GetLoggerFromLevel(slog.LevelDebug))
	svc.bcryptCost = bcrypt.MinCost

	users.EXPECT().CreateUser(gomock.Any(), gomock.Any()).Return(domain.User{}, errors.New("connection reset"))

	_, err := svc.Register(context.Background(), &RegisterRequest{Username: "alice", Email: "alice@example.com", Password: "secret123"})

	req.ErrorIs(err, domain.ErrPersistence)
	req.Empty(presence.touched)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	f.register(t, "alice")

	_, err := f.svc.Login(context.Background(), &LoginRequest{Email: "alice@example.com", Password: "wrong-pass"})
	req.ErrorIs(err, domain.ErrInvalidCredentials)

	_, err = f.svc.Login(context.Background(), &LoginRequest{Email: "ghost@example.com", Password: "secret123"})
	req.ErrorIs(err, domain.ErrInvalidCredentials)
}

func TestValidateToken_Rejects(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	resp := f.register(t, "alice")

	other := NewService(f.store, f.store, f.presence, f.sessions, "another-secret", time.Hour, f.svc.log)
	_, _, err := other.ValidateToken(resp.AccessToken)
	req.Error(err)

	expired := NewService(f.store, f.store, f.presence, f.sessions, secret, time.Hour, f.svc.log)
	expired.tokenTTL = -time.Minute
	stale, err := expired.issue(domain.User{ID: resp.ID, Username: "alice"})
	req.NoError(err)
	_, _, err = f.svc.ValidateToken(stale.AccessToken)
	req.ErrorIs(err, jwt.ErrTokenExpired)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{ID: resp.ID})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	req.NoError(err)
	_, _, err = f.svc.ValidateToken(unsigned)
	req.Error(err)
}

func TestSearchUsers(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	alice := f.register(t, "alice")
	alfred := f.register(t, "alfred")
	f.register(t, "bob")
	f.presence.statuses[alfred.ID] = domain.UserStatus{UserID: alfred.ID, IsOnline: true}

	results, err := f.svc.SearchUsers(context.Background(), alice.ID, "al")
	req.NoError(err)
	req.Len(results, 1)
	req.Equal(alfred.ID, results[0].ID)
	req.True(results[0].Status.IsOnline)

	empty, err := f.svc.SearchUsers(context.Background(), alice.ID, "   ")
	req.NoError(err)
	req.NotNil(empty)
	req.Empty(empty)
}

func TestFollow_NotifiesOnceAndIsIdempotent(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture()
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")

	// When alice follows bob twice
	req.NoError(f.svc.Follow(ctx, alice.ID, bob.ID))
	req.NoError(f.svc.Follow(ctx, alice.ID, bob.ID))

	// Then bob has a single unread notification about it
	notes, err := f.svc.Notifications(ctx, bob.ID, true)
	req.NoError(err)
	req.Len(notes, 1)
	req.Equal(domain.NotificationNewFollower, notes[0].Type)
	req.Equal("alice started following you", notes[0].Content)
	req.Equal(alice.ID, notes[0].RelatedUserID)

	// And only bob can mark it read
	req.ErrorIs(f.svc.MarkNotificationRead(ctx, alice.ID, notes[0].ID), domain.ErrNotFoundOrUnauthorized)
	req.NoError(f.svc.MarkNotificationRead(ctx, bob.ID, notes[0].ID))
	unread, err := f.svc.Notifications(ctx, bob.ID, true)
	req.NoError(err)
	req.Empty(unread)

	req.ErrorIs(f.svc.Follow(ctx, alice.ID, alice.ID), domain.ErrValidation)
	req.ErrorIs(f.svc.Follow(ctx, alice.ID, "ghost"), domain.ErrNotFoundOrUnauthorized)

	req.NoError(f.svc.Unfollow(ctx, alice.ID, bob.ID))
	req.NoError(f.svc.Unfollow(ctx, alice.ID, bob.ID))
	followers, err := f.store.Followers(ctx, bob.ID)
	req.NoError(err)
	req.Empty(followers)
}

func TestUpdateProfile(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	alice := f.register(t, "alice")

	u, err := f.svc.UpdateProfile(context.Background(), alice.ID, &ProfileRequest{DisplayName: " Alice ", Bio: "hello", AvatarURL: "https://cdn.example/a.png"})
	req.NoError(err)
	req.Equal("Alice", u.DisplayName)

	_, err = f.svc.UpdateProfile(context.Background(), alice.ID, &ProfileRequest{DisplayName: "Alice", AvatarURL: "not a url"})
	req.ErrorIs(err, domain.ErrValidation)

	_, err = f.svc.UpdateProfile(context.Background(), "ghost", &ProfileRequest{DisplayName: "Ghost"})
	req.ErrorIs(err, domain.ErrNotFoundOrUnauthorized)
}

func TestDeleteAccount(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture()
	alice := f.register(t, "alice")

	req.NoError(f.svc.DeleteAccount(ctx, alice.ID))

	req.Equal([]string{alice.ID}, f.sessions.closed)
	req.Equal([]string{alice.ID}, f.presence.retired)
	_, err := f.svc.Login(ctx, &LoginRequest{Email: "alice@example.com", Password: "secret123"})
	req.ErrorIs(err, domain.ErrInvalidCredentials)
	req.ErrorIs(f.svc.DeleteAccount(ctx, alice.ID), domain.ErrNotFoundOrUnauthorized)
}
