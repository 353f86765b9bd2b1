// Package actor resolves the operator identity for a request.
//
// Authentication is handled upstream; this middleware trusts the identity
// header set by the gateway in front of the service and annotates it with a
// readable description of the operator's client for audit trails.
package actor

import (
	"fmt"
	"net/http"

	"github.com/mssola/useragent"

	"fiscalbridge/pkg/domain"
	"fiscalbridge/pkg/requestcontext"
)

// HeaderActorID carries the authenticated operator identity.
const HeaderActorID = "X-Actor-ID"

// Middleware stores the actor in the context when the header is present.
// Handlers that mutate state reject requests without an actor.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, err := domain.NewActor(r.Header.Get(HeaderActorID), Describe(r.Header.Get("User-Agent")))
		if err == nil {
			r = r.WithContext(requestcontext.WithActor(r.Context(), a))
		}
		next.ServeHTTP(w, r)
	})
}

// Describe condenses a User-Agent header into "Browser Version / OS".
// Bots and unparseable agents are returned as-is, truncated.
func Describe(raw string) string {
	if raw == "" {
		return ""
	}
	ua := useragent.New(raw)
	if ua.Bot() {
		name, _ := ua.Browser()
		return truncate("bot " + name)
	}
	name, version := ua.Browser()
	if name == "" {
		return truncate(raw)
	}
	if os := ua.OS(); os != "" {
		return truncate(fmt.Sprintf("%s %s / %s", name, version, os))
	}
	return truncate(fmt.Sprintf("%s %s", name, version))
}

func truncate(s string) string {
	const maxLen = 120
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}
