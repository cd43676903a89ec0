// Package auth gates the two classes of caller the control server sees:
// devices, authenticated with the opaque bearer token issued at
// registration (spec §4.1, §4.2), and users, authenticated with an OIDC
// access token whose *validation* (JWKS fetch + signature check) is an
// explicitly out-of-scope collaborator per spec §1 — this package only
// defines the interface that collaborator must satisfy and consumes the
// verified subject it produces. Grounded on the teacher's internal/auth
// (AuthNMiddleware/AuthZMiddleware split, context-key propagation of the
// verified identity).
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/edgefleet/edgefleet/internal/store"
	"github.com/sirupsen/logrus"
)

type ctxKey string

const (
	deviceCtxKey ctxKey = "device"
	userCtxKey   ctxKey = "user"
)

// ErrNoToken describes a request that carries no bearer token or token
// query parameter. Nothing in this package returns it: UserAuth answers 401
// itself without calling the UserVerifier.
var ErrNoToken = errors.New("auth: no token presented")

// UserVerifier validates a user access token and returns the verified
// subject string. Its implementation (OIDC JWKS fetch + signature
// validation) is out of scope per spec §1; see internal/auth/oidc for a
// stub that satisfies the interface.
type UserVerifier interface {
	Verify(ctx context.Context, token string) (subject string, err error)
}

// DeviceFromContext returns the device bound to the request by
// DeviceBearerAuth, if any.
func DeviceFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(deviceCtxKey).(int64)
	return id, ok
}

// UserFromContext returns the verified user subject bound to the request
// by UserAuth, if any.
func UserFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(userCtxKey).(string)
	return s, ok
}

// DeviceBearerAuth validates the `Authorization: Bearer <token>` header
// against the device token table and binds the device id to the request
// context (spec §4.2 step 1). A token matching no device yields 401 with no
// side effects.
func DeviceBearerAuth(st store.Store, log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			device, err := st.Device().GetByToken(r.Context(), token)
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					log.WithError(err).Error("device auth: store error")
				}
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), deviceCtxKey, device.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserAuth validates a user's access token (bearer header, falling back to
// a `token` query parameter for the WebSocket dashboard route per spec §6)
// and binds the verified subject to the request context.
func UserAuth(verifier UserVerifier, log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			subject, err := verifier.Verify(r.Context(), token)
			if err != nil {
				log.WithError(err).Debug("user auth: token rejected")
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), userCtxKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}
