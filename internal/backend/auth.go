package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Session is the result of a successful login.
type Session struct {
	Token string
	User  map[string]any
}

var ErrNoToken = errors.New("jobsync: login response carried no token")

// Login exchanges credentials for a bearer token and installs it on c.
func (c *HTTPClient) Login(ctx context.Context, email, password string) (Session, error) {
	raw, err := c.Post(ctx, "/auth/login", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return Session{}, fmt.Errorf("login: %w", err)
	}

	var sess Session
	tok, ok := Pick(raw, "token", "access_token", "data.token")
	if !ok {
		return Session{}, ErrNoToken
	}
	if err := json.Unmarshal(tok, &sess.Token); err != nil || sess.Token == "" {
		return Session{}, ErrNoToken
	}
	if u, ok := Pick(raw, "user", "me.user", "data.user"); ok {
		if err := json.Unmarshal(u, &sess.User); err != nil {
			return Session{}, fmt.Errorf("login: decode user: %w", err)
		}
	}

	c.SetToken(sess.Token)
	return sess, nil
}

// Me reads the authenticated user, tolerating the envelope variants the
// portal uses for /me.
func Me(ctx context.Context, r Reader) (map[string]any, error) {
	raw, err := r.Get(ctx, "/me")
	if err != nil {
		return nil, fmt.Errorf("fetch user: %w", err)
	}

	u, ok := Pick(raw, "user", "me.user", "data.user")
	if !ok {
		u = raw
	}
	var user map[string]any
	if err := json.Unmarshal(u, &user); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return user, nil
}

// AuthorizeChannel asks the backend to sign a private push channel
// subscription for the given socket.
func AuthorizeChannel(ctx context.Context, w Writer, socketID, channel string) (string, error) {
	raw, err := w.Post(ctx, "/broadcasting/auth", map[string]string{
		"socket_id":    socketID,
		"channel_name": channel,
	})
	if err != nil {
		return "", fmt.Errorf("authorize channel %s: %w", channel, err)
	}
	var resp struct {
		Auth string `json:"auth"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Auth == "" {
		return "", fmt.Errorf("authorize channel %s: response carried no signature", channel)
	}
	return resp.Auth, nil
}
