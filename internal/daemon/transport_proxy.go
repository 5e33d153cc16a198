package daemon

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/relaybridge/agentbridge/internal/agenttransport"
)

// transportProxy lets the orchestrator, approval registry, and HTTP
// boundary hold a stable AgentTransport/Responder reference before the
// agent subprocess exists: New wires them against the proxy, Run calls
// set once agenttransport.Spawn returns. Mirrors the narrow-interface
// idiom internal/orchestrator already uses (ThreadStore, AgentTransport)
// to keep its dependents testable without a real subprocess.
type transportProxy struct {
	mu sync.RWMutex
	t  *agenttransport.Transport
}

func (p *transportProxy) set(t *agenttransport.Transport) {
	p.mu.Lock()
	p.t = t
	p.mu.Unlock()
}

func (p *transportProxy) current() *agenttransport.Transport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.t
}

func (p *transportProxy) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t := p.current()
	if t == nil {
		return nil, agenttransport.ErrTransportClosed
	}
	return t.Request(ctx, method, params)
}

func (p *transportProxy) Notify(method string, params any) error {
	t := p.current()
	if t == nil {
		return agenttransport.ErrTransportClosed
	}
	return t.Notify(method, params)
}

func (p *transportProxy) Respond(id int64, result any) error {
	t := p.current()
	if t == nil {
		return agenttransport.ErrTransportClosed
	}
	return t.Respond(id, result)
}

func (p *transportProxy) RespondError(id int64, code int, message string) error {
	t := p.current()
	if t == nil {
		return agenttransport.ErrTransportClosed
	}
	return t.RespondError(id, code, message)
}
