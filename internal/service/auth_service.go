package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/parish-admin-api/internal/models"
	"github.com/noah-isme/parish-admin-api/internal/repository"
	"github.com/noah-isme/parish-admin-api/pkg/credential"
	appErrors "github.com/noah-isme/parish-admin-api/pkg/errors"
)

const tokenTypeBearer = "Bearer"

// dummyPasswordHash is compared against on unknown emails so both login
// failures pay the bcrypt cost.
var dummyPasswordHash = sync.OnceValue(func() []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte("parish-admin-unknown-user"), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("generate dummy password hash: %v", err))
	}
	return hash
})

type authUserRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, id string, ts time.Time) error
}

type sessionStore interface {
	Lookup(ctx context.Context, jti, raw, userID string) (*models.RefreshToken, error)
	FindByJTIAny(ctx context.Context, jti string) (*models.RefreshToken, error)
	RevokeAllActive(ctx context.Context, userID string) (int64, error)
	ReplaceActive(ctx context.Context, token *models.RefreshToken) (int64, error)
	Rotate(ctx context.Context, old, next *models.RefreshToken) error
}

type activityTracker interface {
	Check(ctx context.Context, principalID string) error
	Touch(ctx context.Context, principalID string)
}

type auditRecorder interface {
	Record(entry models.AuditLog)
}

type noopAudit struct{}

func (noopAudit) Record(models.AuditLog) {}

// AuthConfig defines configuration for authentication flows.
type AuthConfig struct {
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
}

// AuthService owns the session lifecycle: login, refresh rotation, logout and
// the checks applied to presented credentials.
type AuthService struct {
	users     authUserRepository
	sessions  sessionStore
	activity  activityTracker
	codec     *credential.Codec
	validator *validator.Validate
	logger    *zap.Logger
	config    AuthConfig
	audit     auditRecorder
	metrics   authMetrics
	now       func() time.Time
	compare   func(hash, password []byte) error
}

// AuthOption customises an AuthService.
type AuthOption func(*AuthService)

// WithAuditRecorder sends session events to the audit trail.
func WithAuditRecorder(audit auditRecorder) AuthOption {
	return func(s *AuthService) {
		if audit != nil {
			s.audit = audit
		}
	}
}

// WithAuthMetrics reports session events to Prometheus.
func WithAuthMetrics(metrics authMetrics) AuthOption {
	return func(s *AuthService) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithAuthClock overrides the time source used for record expiry checks.
func WithAuthClock(now func() time.Time) AuthOption {
	return func(s *AuthService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewAuthService constructs an AuthService instance. activity may be nil, in
// which case no idle timeout is enforced.
func NewAuthService(users authUserRepository, sessions sessionStore, activity activityTracker, codec *credential.Codec, validate *validator.Validate, logger *zap.Logger, config AuthConfig, opts ...AuthOption) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	s := &AuthService{
		users:     users,
		sessions:  sessions,
		activity:  activity,
		codec:     codec,
		validator: validate,
		logger:    logger,
		config:    config,
		audit:     noopAudit{},
		metrics:   noopMetrics{},
		now:       func() time.Time { return time.Now().UTC() },
		compare:   bcrypt.CompareHashAndPassword,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login authenticates a user, revokes every live refresh record it holds and
// returns a fresh credential pair.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	req.Email = normalizeEmail(req.Email)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	email := req.Email
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			_ = s.compare(dummyPasswordHash(), []byte(req.Password))
			s.metrics.RecordLogin(ResultFailed)
			s.auditEvent(models.AuditActionLoginFailed, "", req.IP, req.UserAgent, map[string]interface{}{"email": email, "reason": "unknown_email"})
			return nil, appErrors.Clone(appErrors.ErrAuthenticationFailed, "")
		}
		s.metrics.RecordLogin(ResultError)
		return nil, appErrors.Internal(err, "failed to fetch user")
	}

	if err := s.compare([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		s.metrics.RecordLogin(ResultFailed)
		s.auditEvent(models.AuditActionLoginFailed, user.ID, req.IP, req.UserAgent, map[string]interface{}{"reason": "bad_password"})
		return nil, appErrors.Clone(appErrors.ErrAuthenticationFailed, "")
	}

	if !user.Active {
		s.metrics.RecordLogin(ResultInactive)
		s.auditEvent(models.AuditActionLoginFailed, user.ID, req.IP, req.UserAgent, map[string]interface{}{"reason": "inactive"})
		return nil, appErrors.Clone(appErrors.ErrPrincipalInactive, "")
	}

	pair, record, err := s.issuePair(user.ID, req.IP, req.UserAgent)
	if err != nil {
		s.metrics.RecordLogin(ResultError)
		return nil, err
	}

	revoked, err := s.sessions.ReplaceActive(ctx, record)
	if err != nil {
		s.metrics.RecordLogin(ResultError)
		return nil, appErrors.Internal(err, "failed to persist refresh token")
	}
	s.metrics.RecordRevoked(revoked)

	if s.activity != nil {
		s.activity.Touch(ctx, user.ID)
	}

	if err := s.users.UpdateLastLogin(ctx, user.ID, s.now()); err != nil {
		s.logger.Warn("failed to update last login", zap.String("user_id", user.ID), zap.Error(err))
	}

	s.metrics.RecordLogin(ResultSuccess)
	s.auditEvent(models.AuditActionLogin, user.ID, req.IP, req.UserAgent, map[string]interface{}{"status": "success", "revoked_sessions": revoked})
	s.logger.Info("user logged in", zap.String("user_id", user.ID), zap.Int64("revoked_sessions", revoked))

	return &models.LoginResponse{TokenPair: *pair, User: models.NewUserInfo(user)}, nil
}

// Refresh exchanges a live refresh credential for a new pair. The presented
// record is revoked and its successor inserted atomically; of two concurrent
// exchanges of the same credential only one succeeds.
func (s *AuthService) Refresh(ctx context.Context, req models.RefreshTokenRequest) (*models.RefreshTokenResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refresh payload")
	}

	claims, err := s.verify(req.RefreshToken, credential.KindRefresh)
	if err != nil {
		s.metrics.RecordRefresh(ResultRejected)
		return nil, err
	}
	principalID := claims.PrincipalID()

	record, err := s.sessions.Lookup(ctx, claims.ID, req.RefreshToken, principalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.rejectRefresh(principalID, req, "unknown")
		}
		s.metrics.RecordRefresh(ResultError)
		return nil, appErrors.Internal(err, "failed to fetch refresh token")
	}
	if record.UserID != principalID {
		return nil, s.rejectRefresh(principalID, req, "principal_mismatch")
	}
	if record.Revoked {
		return nil, s.rejectRefresh(principalID, req, "revoked")
	}
	if !record.Active(s.now()) {
		return nil, s.rejectRefresh(principalID, req, "expired")
	}

	user, err := s.users.FindByID(ctx, principalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.rejectRefresh(principalID, req, "unknown_principal")
		}
		s.metrics.RecordRefresh(ResultError)
		return nil, appErrors.Internal(err, "failed to load user")
	}
	if !user.Active {
		s.metrics.RecordRefresh(ResultInactive)
		return nil, appErrors.Clone(appErrors.ErrPrincipalInactive, "")
	}

	pair, next, err := s.issuePair(user.ID, req.IP, req.UserAgent)
	if err != nil {
		s.metrics.RecordRefresh(ResultError)
		return nil, err
	}

	if err := s.sessions.Rotate(ctx, record, next); err != nil {
		if errors.Is(err, repository.ErrRefreshTokenConsumed) {
			s.metrics.RecordRotationRace()
			return nil, s.rejectRefresh(principalID, req, "consumed")
		}
		s.metrics.RecordRefresh(ResultError)
		return nil, appErrors.Internal(err, "failed to rotate refresh token")
	}

	s.metrics.RecordRefresh(ResultSuccess)
	s.auditEvent(models.AuditActionRefresh, user.ID, req.IP, req.UserAgent, map[string]interface{}{"refresh": "rotated"})

	return &models.RefreshTokenResponse{TokenPair: *pair, User: models.NewUserInfo(user)}, nil
}

// Logout revokes every live refresh record of whichever principal the
// presented credentials identify. Missing, expired or garbage credentials are
// not an error; nothing is revoked.
func (s *AuthService) Logout(ctx context.Context, req models.LogoutRequest) (*models.LogoutResult, error) {
	principalID, ok := s.Resolve(req.Credentials)
	if !ok {
		s.metrics.RecordLogout(false, 0)
		return &models.LogoutResult{}, nil
	}

	revoked, err := s.sessions.RevokeAllActive(ctx, principalID)
	if err != nil {
		s.logger.Error("failed to revoke refresh tokens on logout", zap.String("user_id", principalID), zap.Error(err))
		return nil, appErrors.Internal(err, "failed to revoke sessions")
	}

	s.metrics.RecordLogout(true, revoked)
	s.auditEvent(models.AuditActionLogout, principalID, req.IP, req.UserAgent, map[string]interface{}{"status": "logout", "revoked_sessions": revoked})

	return &models.LogoutResult{PrincipalID: principalID, Revoked: revoked}, nil
}

// Authenticate validates an access credential and applies the idle timeout.
func (s *AuthService) Authenticate(ctx context.Context, accessToken string) (*credential.Claims, error) {
	claims, err := s.verify(accessToken, credential.KindAccess)
	if err != nil {
		return nil, err
	}
	if s.activity != nil {
		if err := s.activity.Check(ctx, claims.PrincipalID()); err != nil {
			if errors.Is(err, appErrors.ErrSessionExpiredByInactivity) {
				s.auditEvent(models.AuditActionSessionIdleExpired, claims.PrincipalID(), "", "", nil)
			}
			return nil, err
		}
	}
	return claims, nil
}

// VerifyRefresh validates a refresh credential's signature, expiry and kind.
// It does not consult the store; pair it with IsRevoked.
func (s *AuthService) VerifyRefresh(refreshToken string) (*credential.Claims, error) {
	return s.verify(refreshToken, credential.KindRefresh)
}

// Resolve identifies a principal from whatever credentials were presented.
// A valid access credential wins; otherwise the refresh credential is decoded
// with expiry ignored. It never authorises anything.
func (s *AuthService) Resolve(creds models.Credentials) (string, bool) {
	if token := strings.TrimSpace(creds.AccessToken); token != "" {
		if claims, err := s.codec.Verify(token); err == nil && claims.Type == credential.KindAccess {
			return claims.PrincipalID(), true
		}
	}
	if token := strings.TrimSpace(creds.RefreshToken); token != "" {
		if claims, err := s.codec.Decode(token); err == nil {
			return claims.PrincipalID(), true
		}
	}
	return "", false
}

// IsRevoked reports whether a credential must be refused. Only refresh
// credentials are tracked; any doubt, including a store failure, counts as
// revoked.
func (s *AuthService) IsRevoked(ctx context.Context, kind credential.Kind, jti string) bool {
	if kind != credential.KindRefresh {
		return false
	}
	if jti == "" {
		return true
	}
	record, err := s.sessions.FindByJTIAny(ctx, jti)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("revocation lookup failed, refusing credential", zap.String("jti", jti), zap.Error(err))
		}
		return true
	}
	return !record.Active(s.now())
}

// Me returns the public profile of an authenticated principal.
func (s *AuthService) Me(ctx context.Context, principalID string) (*models.UserInfo, error) {
	user, err := s.users.FindByID(ctx, principalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "user no longer exists")
		}
		return nil, appErrors.Internal(err, "failed to load user")
	}
	if !user.Active {
		return nil, appErrors.Clone(appErrors.ErrPrincipalInactive, "")
	}
	info := models.NewUserInfo(user)
	return &info, nil
}

func (s *AuthService) verify(token string, kind credential.Kind) (*credential.Claims, error) {
	claims, err := s.codec.Verify(token)
	if err != nil {
		return nil, CredentialError(err)
	}
	if claims.Type != kind {
		return nil, appErrors.Clone(appErrors.ErrMalformedCredential, fmt.Sprintf("expected %s credential", kind))
	}
	return claims, nil
}

func (s *AuthService) issuePair(userID, ip, userAgent string) (*models.TokenPair, *models.RefreshToken, error) {
	access, _, err := s.codec.Issue(userID, credential.KindAccess, s.config.AccessTokenExpiry)
	if err != nil {
		return nil, nil, appErrors.Internal(err, "failed to create access token")
	}
	refresh, claims, err := s.codec.Issue(userID, credential.KindRefresh, s.config.RefreshTokenExpiry)
	if err != nil {
		return nil, nil, appErrors.Internal(err, "failed to create refresh token")
	}

	jti := claims.ID
	issuedAt := claims.IssuedAt.Time.UTC()
	record := &models.RefreshToken{
		UserID:    userID,
		Token:     refresh,
		JTI:       &jti,
		ExpiresAt: claims.Expiry().UTC(),
		CreatedAt: issuedAt,
		IPAddress: ip,
		UserAgent: userAgent,
	}
	pair := &models.TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        tokenTypeBearer,
		ExpiresIn:        int64(s.config.AccessTokenExpiry.Seconds()),
		RefreshExpiresIn: int64(s.config.RefreshTokenExpiry.Seconds()),
		IssuedAt:         issuedAt,
	}
	return pair, record, nil
}

func (s *AuthService) rejectRefresh(principalID string, req models.RefreshTokenRequest, reason string) error {
	s.metrics.RecordRefresh(ResultRejected)
	s.auditEvent(models.AuditActionRefreshRejected, principalID, req.IP, req.UserAgent, map[string]interface{}{"reason": reason})
	s.logger.Info("refresh token rejected", zap.String("user_id", principalID), zap.String("reason", reason))
	return appErrors.Clone(appErrors.ErrInvalidOrRevokedCredential, "")
}

func (s *AuthService) auditEvent(action, userID, ip, userAgent string, values map[string]interface{}) {
	entry := models.AuditLog{
		Action:    action,
		Resource:  "auth",
		IPAddress: ip,
		UserAgent: userAgent,
		CreatedAt: s.now(),
	}
	if userID != "" {
		entry.UserID = &userID
		entry.ResourceID = &userID
	}
	if values != nil {
		payload, err := json.Marshal(values)
		if err == nil {
			entry.NewValues = payload
		}
	}
	s.audit.Record(entry)
}

// CredentialError maps codec failures onto the authentication taxonomy.
func CredentialError(err error) *appErrors.Error {
	if errors.Is(err, credential.ErrExpired) {
		return appErrors.Wrap(err, appErrors.ErrExpiredCredential.Code, appErrors.ErrExpiredCredential.Status, appErrors.ErrExpiredCredential.Message)
	}
	return appErrors.Wrap(err, appErrors.ErrMalformedCredential.Code, appErrors.ErrMalformedCredential.Status, appErrors.ErrMalformedCredential.Message)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
