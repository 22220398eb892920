package service

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-contrib/sessions/redis"
	"github.com/gin-gonic/gin"
)

// TokenCookieName is the cookie carrying the gin session.
const TokenCookieName = "sid"

// sessionKeyToken is the gin session key holding the broker token.
const sessionKeyToken = "session_id"

// TokenStoreOptions configures the cookie that carries broker tokens.
type TokenStoreOptions struct {
	IsDev     bool   // cookies are not marked Secure in dev
	RedisAddr string // server-side store when set, signed cookie otherwise
	Secret    []byte // authentication key for the session cookie
	MaxAge    int    // cookie lifetime in seconds; 0 = browser session
}

// CookieTokenStore moves the opaque broker token to and from the client.
// The engine never sees cookies; handlers only see tokens.
type CookieTokenStore struct {
	store         sessions.Store
	cookieOptions sessions.Options
}

// NewCookieTokenStore creates the session store.
func NewCookieTokenStore(opts TokenStoreOptions) (*CookieTokenStore, error) {
	if len(opts.Secret) < 32 {
		return nil, errors.New("cookie secret must be at least 32 bytes")
	}

	var store sessions.Store
	if opts.RedisAddr != "" {
		rs, err := redis.NewStoreWithDB(10, "tcp", opts.RedisAddr, "", "0", opts.Secret)
		if err != nil {
			return nil, fmt.Errorf("new redis store: %w", err)
		}
		store = rs
	} else {
		store = cookie.NewStore(opts.Secret)
	}

	cookieOptions := sessions.Options{
		Path:     "/",
		MaxAge:   opts.MaxAge,
		Secure:   !opts.IsDev,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode, // survives the redirect between /gen_session and /connect
	}
	store.Options(cookieOptions)

	return &CookieTokenStore{store: store, cookieOptions: cookieOptions}, nil
}

// Middleware attaches session handling.
func (s *CookieTokenStore) Middleware() gin.HandlerFunc {
	return sessions.Sessions(TokenCookieName, s.store)
}

// Token returns the broker token presented by the client.
// It reports false if none is present.
func (s *CookieTokenStore) Token(c *gin.Context) (string, bool) {
	token, ok := sessions.Default(c).Get(sessionKeyToken).(string)
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// SetToken stores token in the client's session and persists it.
func (s *CookieTokenStore) SetToken(c *gin.Context, token string) error {
	session := sessions.Default(c)
	session.Set(sessionKeyToken, token)

	if err := session.Save(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// ClearToken clears all session data and expires the cookie.
func (s *CookieTokenStore) ClearToken(c *gin.Context) error {
	session := sessions.Default(c)
	session.Clear()

	opts := s.cookieOptions
	opts.MaxAge = -1
	session.Options(opts)

	if err := session.Save(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}
