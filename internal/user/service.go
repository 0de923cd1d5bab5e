package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"go-dm/internal/domain"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/crypto/bcrypt"
)

const searchLimit = 10

// Presence is the part of the presence tracker the account flows touch.
type Presence interface {
	Touch(userID string)
	AudienceOf(ctx context.Context, userID string) ([]string, error)
	Retire(userID string, rooms []string)
	StatusesOf(ctx context.Context, userIDs []string) (map[string]domain.UserStatus, error)
}

// SessionCloser hangs up every live connection of a user.
type SessionCloser interface {
	CloseSessions(userID string) int
}

type SocialStore interface {
	Follow(ctx context.Context, followerID, followingID string) error
	Unfollow(ctx context.Context, followerID, followingID string) error
	CreateNotification(ctx context.Context, n domain.Notification) (domain.Notification, error)
	Notifications(ctx context.Context, userID string, unreadOnly bool) ([]domain.Notification, error)
	MarkNotificationRead(ctx context.Context, id, userID string) error
}

type Service struct {
	users      domain.UserStore
	social     SocialStore
	presence   Presence
	sessions   SessionCloser
	jwtSecret  string
	tokenTTL   time.Duration
	bcryptCost int
	validate   *validator.Validate
	log        *slog.Logger
}

type Claims struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

const issuer = "go-dm"

func NewService(users domain.UserStore, social SocialStore, presence Presence, sessions SessionCloser,
	secret string, tokenTTL time.Duration, log *slog.Logger) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	})
	return &Service{
		users:      users,
		social:     social,
		presence:   presence,
		sessions:   sessions,
		jwtSecret:  secret,
		tokenTTL:   tokenTTL,
		bcryptCost: bcrypt.DefaultCost,
		validate:   v,
		log:        log,
	}
}

func (s *Service) check(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		return domain.Validation("%s", strings.Join(lo.Map(fieldErrs, func(fe validator.FieldError, _ int) string {
			return fe.Field() + " failed " + fe.Tag()
		}), ", "))
	}
	return domain.Validation("%v", err)
}

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*LoginResponse, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := s.check(req); err != nil {
		return nil, err
	}

	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hashing failed: %w", err)
	}

	now := time.Now().UTC()
	u, err := s.users.CreateUser(ctx, domain.User{
		ID:           uuid.NewString(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hashedPwd),
		DisplayName:  req.Username,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("%w: username or email already registered", domain.ErrConflict)
		}
		return nil, domain.Persistence("create user", err)
	}
	s.presence.Touch(u.ID)
	s.log.Info("User registered", "user_id", u.ID, "username", u.Username)

	return s.issue(u)
}

func (s *Service) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := s.check(req); err != nil {
		return nil, err
	}

	u, err := s.users.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrInvalidCredentials
		}
		return nil, domain.Persistence("load user", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)); err != nil {
		return nil, domain.ErrInvalidCredentials
	}
	s.presence.Touch(u.ID)

	return s.issue(u)
}

func (s *Service) issue(u domain.User) (*LoginResponse, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ID:       u.ID,
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	})

	ss, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return nil, fmt.Errorf("token generation failed: %w", err)
	}
	return &LoginResponse{AccessToken: ss, ID: u.ID, Username: u.Username}, nil
}

// ValidateToken implements middleware.TokenValidator.
func (s *Service) ValidateToken(tokenString string) (string, string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return "", "", err
	}
	if !token.Valid {
		return "", "", jwt.ErrSignatureInvalid
	}
	return claims.ID, claims.Username, nil
}

// SearchUsers matches username or display name, excluding the caller.
func (s *Service) SearchUsers(ctx context.Context, callerID, query string) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []SearchResult{}, nil
	}
	users, err := s.users.SearchUsers(ctx, query, callerID, searchLimit)
	if err != nil {
		return nil, domain.Persistence("search users", err)
	}
	statuses, err := s.presence.StatusesOf(ctx, lo.Map(users, func(u domain.User, _ int) string { return u.ID }))
	if err != nil {
		return nil, err
	}
	return lo.Map(users, func(u domain.User, _ int) SearchResult {
		status, ok := statuses[u.ID]
		if !ok {
			status = domain.UserStatus{UserID: u.ID}
		}
		return SearchResult{UserSummary: u.Summary(), Status: status}
	}), nil
}

func (s *Service) UpdateProfile(ctx context.Context, userID string, req *ProfileRequest) (domain.User, error) {
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if err := s.check(req); err != nil {
		return domain.User{}, err
	}
	u, err := s.users.UpdateProfile(ctx, userID, req.DisplayName, req.Bio, req.AvatarURL)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.User{}, domain.ErrNotFoundOrUnauthorized
		}
		return domain.User{}, domain.Persistence("update profile", err)
	}
	return u, nil
}

// DeleteAccount removes the account with the gateway's cascade rules, tells the
// user's audience they went offline and hangs up their sessions.
func (s *Service) DeleteAccount(ctx context.Context, userID string) error {
	// Resolved first: the cascade drops the follow edges a followers audience reads.
	rooms, err := s.presence.AudienceOf(ctx, userID)
	if err != nil {
		s.log.Warn("Audience lookup failed before account deletion", "user_id", userID, "error", err)
		rooms = nil
	}
	if err := s.users.DeleteUser(ctx, userID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotFoundOrUnauthorized
		}
		return domain.Persistence("delete user", err)
	}
	s.presence.Retire(userID, rooms)
	closed := s.sessions.CloseSessions(userID)
	s.log.Info("Account deleted", "user_id", userID, "closed_sessions", closed)
	return nil
}

// Follow is idempotent. A new edge notifies the followed user.
func (s *Service) Follow(ctx context.Context, followerID, followingID string) error {
	if followingID == "" || followerID == followingID {
		return domain.Validation("cannot follow yourself")
	}
	follower, err := s.users.GetUser(ctx, followerID)
	if err != nil {
		return domain.Persistence("load follower", err)
	}
	if _, err := s.users.GetUser(ctx, followingID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotFoundOrUnauthorized
		}
		return domain.Persistence("load user", err)
	}

	if err := s.social.Follow(ctx, followerID, followingID); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return domain.Persistence("follow", err)
	}

	summary := follower.Summary()
	if _, err := s.social.CreateNotification(ctx, domain.Notification{
		ID:            uuid.NewString(),
		UserID:        followingID,
		Type:          domain.NotificationNewFollower,
		Content:       summary.DisplayName + " started following you",
		RelatedUserID: followerID,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		s.log.Warn("Follow notification not stored", "follower_id", followerID, "following_id", followingID, "error", err)
	}
	return nil
}

func (s *Service) Unfollow(ctx context.Context, followerID, followingID string) error {
	if err := s.social.Unfollow(ctx, followerID, followingID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Persistence("unfollow", err)
	}
	return nil
}

func (s *Service) Notifications(ctx context.Context, userID string, unreadOnly bool) ([]domain.Notification, error) {
	list, err := s.social.Notifications(ctx, userID, unreadOnly)
	if err != nil {
		return nil, domain.Persistence("list notifications", err)
	}
	if list == nil {
		list = []domain.Notification{}
	}
	return list, nil
}

func (s *Service) MarkNotificationRead(ctx context.Context, userID, id string) error {
	if err := s.social.MarkNotificationRead(ctx, id, userID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotFoundOrUnauthorized
		}
		return domain.Persistence("mark notification read", err)
	}
	return nil
}
