// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package auth implements HTTP basic authentication against the
// users in env.yaml.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"stream2file/pkg/log"
	"stream2file/pkg/storage"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptHashCost bcrypt hash cost.
const DefaultBcryptHashCost = 10

// Errors.
var (
	ErrUsernameMissing = errors.New("missing username")
	ErrDuplicateUser   = errors.New("duplicate username")
	ErrInvalidHash     = errors.New("invalid password hash")
)

// Account contains user information.
type Account struct {
	Username string
	Password []byte // Hashed password.
	IsAdmin  bool
}

// ValidateResponse ValidateRequest response.
type ValidateResponse struct {
	IsValid bool
	User    Account
}

// Authenticator blocks unauthenticated requests.
type Authenticator struct {
	accounts  map[string]Account
	authCache map[string]ValidateResponse
	hashCost  int

	log *log.Logger
	mu  sync.Mutex
}

// NewBasicAuthenticator creates basic authenticator. Authentication is
// disabled if there are no users.
func NewBasicAuthenticator(users []storage.ConfigUser, logger *log.Logger) (*Authenticator, error) {
	a := &Authenticator{
		accounts:  make(map[string]Account),
		authCache: make(map[string]ValidateResponse),
		hashCost:  DefaultBcryptHashCost,
		log:       logger,
	}
	for _, u := range users {
		if u.Name == "" {
			return nil, ErrUsernameMissing
		}
		if _, exist := a.accounts[u.Name]; exist {
			return nil, fmt.Errorf("%w: %v", ErrDuplicateUser, u.Name)
		}
		if _, err := bcrypt.Cost([]byte(u.Password)); err != nil {
			return nil, fmt.Errorf("%w: %v: %v", ErrInvalidHash, u.Name, err)
		}
		a.accounts[u.Name] = Account{
			Username: u.Name,
			Password: []byte(u.Password),
			IsAdmin:  u.Admin,
		}
	}
	return a, nil
}

// AuthDisabled if all requests are allowed.
func (a *Authenticator) AuthDisabled() bool {
	return len(a.accounts) == 0
}

// ValidateRequest Should always take the same amount of
// time to run, even when username or password is invalid.
func (a *Authenticator) ValidateRequest(r *http.Request) ValidateResponse {
	if a.AuthDisabled() {
		return ValidateResponse{IsValid: true, User: Account{IsAdmin: true}}
	}
	return a.ValidateAuth(r.Header.Get("Authorization"))
}

// ValidateAuth validates the value of a Authorization header.
func (a *Authenticator) ValidateAuth(header string) ValidateResponse {
	a.mu.Lock()
	if res, cacheExist := a.authCache[header]; cacheExist {
		a.mu.Unlock()
		return res
	}
	user, found := a.accounts[parseUsername(header)]
	a.mu.Unlock()

	name, pass := parseBasicAuth(header)
	res := ValidateResponse{}
	if !found || name != user.Username {
		// Generate fake hash to prevent timing based attacks.
		bcrypt.GenerateFromPassword([]byte(name), a.hashCost) //nolint:errcheck
	} else if passwordsMatch(user.Password, pass) {
		res = ValidateResponse{IsValid: true, User: user}
	}

	a.mu.Lock()
	a.authCache[header] = res
	a.mu.Unlock()
	return res
}

func parseUsername(header string) string {
	name, _ := parseBasicAuth(header)
	return name
}

// Modified from net/http.
func parseBasicAuth(str string) (username, password string) {
	const prefix = "Basic "
	if len(str) < len(prefix) || !strings.EqualFold(str[:len(prefix)], prefix) {
		return
	}
	c, err := base64.StdEncoding.DecodeString(str[len(prefix):])
	if err != nil {
		return
	}
	cs := string(c)
	s := strings.IndexByte(cs, ':')
	if s < 0 {
		return
	}
	return cs[:s], cs[s+1:]
}

func passwordsMatch(hash []byte, plaintext string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(plaintext)) == nil
}

// User blocks unauthorized requests and prompts for login.
func (a *Authenticator) User(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.ValidateRequest(r).IsValid {
			a.deny(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Admin blocks requests from non-admin users.
func (a *Authenticator) Admin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := a.ValidateRequest(r)
		if !res.IsValid || !res.User.IsAdmin {
			a.deny(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authenticator) deny(w http.ResponseWriter, r *http.Request) {
	if header := r.Header.Get("Authorization"); header != "" {
		LogFailedLogin(a.log, r, parseUsername(header))
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="stream2file"`)
	http.Error(w, "Unauthorized.", http.StatusUnauthorized)
}

// LogFailedLogin finds and logs the ip.
func LogFailedLogin(log *log.Logger, r *http.Request, username string) {
	ip := ""
	realIP := r.Header.Get("X-Real-Ip")
	if realIP != "" {
		ip += "real:" + realIP + " "
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" && forwarded != realIP {
		ip += "forwarded:" + forwarded + " "
	}
	remoteAddr := r.RemoteAddr
	if remoteAddr != "" && remoteAddr != forwarded {
		ip += "addr:" + remoteAddr
	}

	log.Info().Src("auth").Msgf("failed login: username: %v %v", username, ip)
}
