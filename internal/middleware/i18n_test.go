package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func localeFor(t *testing.T, lookup CountryLookup, setup func(*http.Request)) string {
	t.Helper()
	var got string
	handler := I18N("en", lookup)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = LocaleFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:1234"
	if setup != nil {
		setup(req)
	}
	handler.ServeHTTP(httptest.NewRecorder(), req)
	return got
}

func TestI18NPrefersExplicitLocaleHeader(t *testing.T) {
	got := localeFor(t, nil, func(r *http.Request) {
		r.Header.Set("X-Locale", "fr-FR")
		r.Header.Set("Accept-Language", "de-DE")
	})
	if got != "fr" {
		t.Fatalf("locale = %q, want fr", got)
	}
}

func TestI18NFallsBackToAcceptLanguage(t *testing.T) {
	got := localeFor(t, nil, func(r *http.Request) {
		r.Header.Set("Accept-Language", "de-DE,de;q=0.9,en;q=0.5")
	})
	if got != "de" {
		t.Fatalf("locale = %q, want de", got)
	}
}

func TestI18NUsesCountryDefault(t *testing.T) {
	lookup := func(ip string) (string, error) { return "ID", nil }
	got := localeFor(t, lookup, nil)
	if got != "id" {
		t.Fatalf("locale = %q, want id", got)
	}
}

func TestI18NFallbackOnGarbageHeaders(t *testing.T) {
	got := localeFor(t, nil, func(r *http.Request) {
		r.Header.Set("X-Locale", ";;;not a locale;;;")
	})
	if got != "en" {
		t.Fatalf("locale = %q, want en", got)
	}
}

func TestI18NStoresCountryInContext(t *testing.T) {
	lookup := func(ip string) (string, error) { return "jp", nil }
	var country string
	handler := I18N("en", lookup)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		country = CountryFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:1234"
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if country != "JP" {
		t.Fatalf("country = %q, want JP", country)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.9:5555"
	if got := ClientIP(req); got != "192.0.2.9" {
		t.Fatalf("ClientIP = %q, want 192.0.2.9", got)
	}

	req.Header.Set("X-Forwarded-For", "invalid, 198.51.100.4, 10.0.0.1")
	if got := ClientIP(req); got != "198.51.100.4" {
		t.Fatalf("ClientIP = %q, want first valid forwarded address", got)
	}
}
