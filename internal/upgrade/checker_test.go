package upgrade

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIsNewer(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"1.2.3", "1.2.2", true},
		{"1.2.3", "1.2.3", false},
		{"1.2.3", "1.3.0", false},
		{"2.0.0", "1.9.9", true},
		{"v1.10.0", "1.9.0", true},
		{"1.2.3-rc.1", "1.2.2", true},
		{"dev", "1.0.0", false},
		{"1.0.0", "dev", false},
	}
	for _, tt := range tests {
		if got := IsNewer(tt.a, tt.b); got != tt.want {
			t.Errorf("IsNewer(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"tag_name":"v1.4.0","html_url":"https://example.com/rel"}`))
	}))
	defer srv.Close()

	c := NewChecker(CheckerConfig{CurrentVersion: "1.3.0", CheckURL: srv.URL})
	st, err := c.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !st.UpdateAvailable || st.LatestVersion != "1.4.0" {
		t.Errorf("status = %+v", st)
	}
}

func TestCheckUpToDate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"tag_name":"v1.3.0"}`))
	}))
	defer srv.Close()

	c := NewChecker(CheckerConfig{CurrentVersion: "1.3.0", CheckURL: srv.URL})
	st, err := c.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.UpdateAvailable {
		t.Errorf("update reported for equal versions: %+v", st)
	}
}

func TestCheckServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewChecker(CheckerConfig{CurrentVersion: "1.0.0", CheckURL: srv.URL})
	if _, err := c.Check(context.Background()); err == nil {
		t.Fatal("no error on 502")
	}
}
