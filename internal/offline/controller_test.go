package offline

import (
	"net/http"
	"testing"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func answer(status int) http.RoundTripper {
	return roundTripFunc(func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: status, Body: http.NoBody, Header: http.Header{}}, nil
	})
}

func TestControllerUnclaimedUsesNetwork(t *testing.T) {
	c := NewController(answer(http.StatusTeapot))
	if c.Version() != "" {
		t.Fatalf("expected unclaimed controller, got %q", c.Version())
	}
	req, _ := http.NewRequest(http.MethodGet, "http://app/stats", nil)
	resp, err := c.RoundTrip(req)
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("expected network response, got %d", resp.StatusCode)
	}
}

func TestControllerClaimSwitchesVersion(t *testing.T) {
	c := NewController(answer(http.StatusTeapot))
	req, _ := http.NewRequest(http.MethodGet, "http://app/stats", nil)

	c.Claim("v6", answer(http.StatusOK))
	if c.Version() != "v6" {
		t.Fatalf("expected v6, got %q", c.Version())
	}
	if resp, _ := c.RoundTrip(req); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected v6 transport, got %d", resp.StatusCode)
	}

	c.Claim("v7", answer(http.StatusAccepted))
	if c.Version() != "v7" {
		t.Fatalf("expected v7, got %q", c.Version())
	}
	if resp, _ := c.RoundTrip(req); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected v7 transport, got %d", resp.StatusCode)
	}
}
