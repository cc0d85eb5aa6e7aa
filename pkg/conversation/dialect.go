package conversation

import (
	"fmt"
	"net/http"
)

// Dialect is the provider-specific part of the realtime protocol: where to
// connect, how to describe the session, and which event acknowledges it.
type Dialect interface {
	// Provider returns the provider this dialect speaks for.
	Provider() Provider

	// URL returns the WebSocket endpoint for the session.
	URL(s Session) (string, error)

	// Header returns the upgrade request headers.
	Header(s Session, apiKey string) http.Header

	// SessionUpdate returns the session.update payload.
	SessionUpdate(s Session) any

	// ResponseCreate returns the response.create parameters.
	ResponseCreate(s Session, opts ResponseOptions) responseParams

	// Acknowledges reports whether kind confirms the session configuration.
	Acknowledges(kind EventKind) bool
}

// DialectFor returns the dialect for a provider.
func DialectFor(p Provider) (Dialect, error) {
	switch p {
	case ProviderOpenAI, "":
		return openAIDialect{}, nil
	case ProviderXAI:
		return xaiDialect{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrProviderNotSupported, p)
}

func bearer(h http.Header, key string) {
	h.Set("Authorization", "Bearer "+key)
}

func temperature(s Session, opts ResponseOptions) *float64 {
	if opts.Temperature != nil {
		return opts.Temperature
	}
	return s.Temperature
}
