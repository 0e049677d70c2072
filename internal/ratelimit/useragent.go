package ratelimit

import "math/rand/v2"

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Edge/120.0.0.0",
}

// UserAgentPool hands out a random User-Agent per request.
type UserAgentPool struct {
	agents []string
}

// NewUserAgentPool returns a pool over agents, or a built-in browser list
// when agents is empty.
func NewUserAgentPool(agents []string) *UserAgentPool {
	if len(agents) == 0 {
		agents = defaultUserAgents
	}
	return &UserAgentPool{agents: agents}
}

// Pick returns one agent at random.
func (p *UserAgentPool) Pick() string {
	return p.agents[rand.IntN(len(p.agents))]
}
