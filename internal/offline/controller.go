package offline

import (
	"net/http"
	"sync/atomic"
)

type claim struct {
	version string
	rt      http.RoundTripper
}

// Controller is the RoundTripper clients hold. It forwards to whichever
// version last claimed it, so clients switch versions without being
// rebuilt. Until the first claim requests go straight to the network.
type Controller struct {
	network http.RoundTripper
	active  atomic.Pointer[claim]
}

// NewController returns an unclaimed controller.
func NewController(network http.RoundTripper) *Controller {
	if network == nil {
		network = http.DefaultTransport
	}
	return &Controller{network: network}
}

// Claim makes rt serve every subsequent request.
func (c *Controller) Claim(version string, rt http.RoundTripper) {
	c.active.Store(&claim{version: version, rt: rt})
}

// Version returns the claiming version, or "" when unclaimed.
func (c *Controller) Version() string {
	if cl := c.active.Load(); cl != nil {
		return cl.version
	}
	return ""
}

func (c *Controller) RoundTrip(req *http.Request) (*http.Response, error) {
	if cl := c.active.Load(); cl != nil {
		return cl.rt.RoundTrip(req)
	}
	return c.network.RoundTrip(req)
}
