package auth

import (
	"errors"

	"go.uber.org/zap"

	"github.com/SanPilot/elf-backend/gateway"
	"github.com/SanPilot/elf-backend/storage"
)

// UserStore is the account and notification access the users module needs.
type UserStore interface {
	FindUser(name string) (*storage.UserRecord, error)
	InsertUser(user storage.UserRecord) error
	ListNotifications(user string) ([]storage.Notification, error)
}

// UsersModule serves the account actions: password authentication issuing a
// bearer token, and user lookup.
type UsersModule struct {
	tokens *Service
	store  UserStore
	log    *zap.Logger
}

// NewUsersModule wires the token service and account store together.
func NewUsersModule(tokens *Service, store UserStore, logger *zap.Logger) *UsersModule {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UsersModule{
		tokens: tokens,
		store:  store,
		log:    logger.Named("users"),
	}
}

// Module exposes the account actions as the "users" gateway module.
func (u *UsersModule) Module() gateway.Module {
	return gateway.Module{
		Name: "users",
		Actions: map[string]gateway.HandlerFunc{
			"auth":             u.handleAuth,
			"getUsers":         u.handleGetUsers,
			"getNotifications": u.handleGetNotifications,
		},
	}
}

func (u *UsersModule) handleAuth(req *gateway.Request, conn *gateway.Conn) {
	var params struct {
		User     string `json:"user"`
		Password string `json:"password"`
	}
	if err := req.Decode(&params); err != nil {
		_ = conn.Fail(req.ID, gateway.ErrMalformedRequest)
		return
	}
	if params.User == "" || params.Password == "" {
		_ = conn.Fail(req.ID, gateway.ErrMissingParameters)
		return
	}

	record, err := u.store.FindUser(params.User)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			u.log.Error("user lookup failed", zap.String("user", params.User), zap.Error(err))
		}
		_ = conn.Fail(req.ID, gateway.ErrAuthFailed)
		return
	}
	if !CheckPassword(record.PasswordHash, params.Password) {
		u.log.Info("password check failed", zap.String("user", record.User))
		_ = conn.Fail(req.ID, gateway.ErrAuthFailed)
		return
	}

	token, err := u.tokens.Issue(record.User)
	if err != nil {
		u.log.Error("token issue failed", zap.String("user", record.User), zap.Error(err))
		_ = conn.Fail(req.ID, gateway.ErrFailed)
		return
	}

	_ = conn.Success(req.ID, map[string]any{
		"token": token,
		"user":  record.User,
	})
}

func (u *UsersModule) handleGetUsers(req *gateway.Request, conn *gateway.Conn) {
	var params struct {
		Token string `json:"token"`
		User  string `json:"user"`
	}
	if err := req.Decode(&params); err != nil {
		_ = conn.Fail(req.ID, gateway.ErrMalformedRequest)
		return
	}
	if params.Token == "" || params.User == "" {
		_ = conn.Fail(req.ID, gateway.ErrMissingParameters)
		return
	}
	if !u.tokens.VerifyToken(params.Token) {
		_ = conn.Fail(req.ID, gateway.ErrAuthFailed)
		return
	}

	users := []string{}
	record, err := u.store.FindUser(params.User)
	switch {
	case err == nil:
		users = append(users, record.User)
	case errors.Is(err, storage.ErrNotFound):
	default:
		u.log.Error("user lookup failed", zap.String("user", params.User), zap.Error(err))
		_ = conn.Fail(req.ID, gateway.ErrFailed)
		return
	}

	_ = conn.Success(req.ID, map[string]any{"users": users})
}

func (u *UsersModule) handleGetNotifications(req *gateway.Request, conn *gateway.Conn) {
	var params struct {
		Token string `json:"token"`
	}
	if err := req.Decode(&params); err != nil {
		_ = conn.Fail(req.ID, gateway.ErrMalformedRequest)
		return
	}
	if params.Token == "" {
		_ = conn.Fail(req.ID, gateway.ErrMissingParameters)
		return
	}
	owner, err := u.tokens.Owner(params.Token)
	if err != nil {
		_ = conn.Fail(req.ID, gateway.ErrAuthFailed)
		return
	}

	notifications, err := u.store.ListNotifications(owner)
	if err != nil {
		u.log.Error("notification lookup failed", zap.String("user", owner), zap.Error(err))
		_ = conn.Fail(req.ID, gateway.ErrFailed)
		return
	}

	_ = conn.Success(req.ID, map[string]any{"notifications": notifications})
}
