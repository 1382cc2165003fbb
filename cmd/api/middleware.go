package main

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"vendorflow/auth"

	"github.com/go-chi/chi/v5/middleware"
)

type ctxKey int

const actorKey ctxKey = iota

const gatewaySecretHeader = "X-Gateway-Secret"

func withActor(ctx context.Context, actor auth.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

func actorFrom(ctx context.Context) auth.Actor {
	actor, _ := ctx.Value(actorKey).(auth.Actor)
	return actor
}

// authenticate turns the bearer token into an auth.Actor on the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			s.writeError(w, r, auth.ErrInvalidToken)
			return
		}
		actor, err := s.auth.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

// gateway admits only callers presenting the shared payment-gateway secret.
func (s *Server) gateway(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get(gatewaySecretHeader))
		if len(s.gatewaySecret) == 0 || subtle.ConstantTimeCompare(got, s.gatewaySecret) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Code: "invalid_gateway_secret", Error: "gateway secret mismatch"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
