package datasource

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/dbmcp/toolengine/pkg/canonical"
	"github.com/dbmcp/toolengine/pkg/dispatch"
	"github.com/dbmcp/toolengine/pkg/template"
	"github.com/dbmcp/toolengine/pkg/types"
)

// OpenFunc creates a pool for a datasource config.
type OpenFunc func(ctx context.Context, cfg Config) (Pool, error)

// Manager keeps one pool per datasource id, opened on first use and shared by
// every execution against that datasource.
type Manager struct {
	resolver Resolver
	log      *slog.Logger
	open     OpenFunc
	client   dispatch.HTTPClient

	mu    sync.Mutex
	pools map[string]*managedPool
}

// managedPool is guarded by Manager.mu. A retired pool stays open until its
// last checked-out connection is released.
type managedPool struct {
	pool    Pool
	conns   dispatch.ConnectionPool
	ref     *poolRef
	version string
	active  int
	retired bool
}

// NewManager creates a manager that resolves ids through resolver.
func NewManager(resolver Resolver, log *slog.Logger) *Manager {
	return &Manager{
		resolver: resolver,
		log:      log,
		open:     Open,
		client:   &http.Client{},
		pools:    make(map[string]*managedPool),
	}
}

// SetOpener replaces the pool constructor.
func (m *Manager) SetOpener(open OpenFunc) { m.open = open }

// SetHTTPClient replaces the client handed to http datasources.
func (m *Manager) SetHTTPClient(c dispatch.HTTPClient) { m.client = c }

// Handle resolves id for auth and returns a dispatch handle. SQL datasources
// get a shared pool; a changed config replaces the pool.
func (m *Manager) Handle(ctx context.Context, auth types.AuthContext, id string) (dispatch.Handle, error) {
	cfg, err := m.resolver.Resolve(ctx, auth, id)
	if err != nil {
		return dispatch.Handle{}, fmt.Errorf("resolve datasource %q: %w", id, err)
	}

	h := dispatch.Handle{
		ID:                cfg.ID,
		HTTP:              m.client,
		BaseURL:           cfg.BaseURL,
		Headers:           cfg.Headers,
		BlockPrivateHosts: cfg.BlockPrivateHosts,
	}
	if cfg.Type == TypeHTTP {
		return h, nil
	}

	pool, err := m.pool(ctx, cfg)
	if err != nil {
		return dispatch.Handle{}, err
	}
	h.Pool = pool
	return h, nil
}

func (m *Manager) pool(ctx context.Context, cfg Config) (dispatch.ConnectionPool, error) {
	_, version, err := canonical.Hash(cfg)
	if err != nil {
		return nil, fmt.Errorf("datasource %q: %w", cfg.ID, err)
	}

	m.mu.Lock()
	old, ok := m.pools[cfg.ID]
	if ok && old.version == version {
		m.mu.Unlock()
		return old.ref, nil
	}

	p, err := m.open(ctx, cfg)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("open datasource %q: %w", cfg.ID, err)
	}
	mp := &managedPool{pool: p, conns: p, version: version}
	mp.ref = &poolRef{m: m, id: cfg.ID, dialect: p.Dialect()}
	if cfg.AcquireRate > 0 {
		burst := int(cfg.AcquireRate * 2)
		if burst < 1 {
			burst = 1
		}
		mp.conns = &throttledPool{ConnectionPool: p, lim: rate.NewLimiter(rate.Limit(cfg.AcquireRate), burst)}
	}
	m.pools[cfg.ID] = mp
	var idle bool
	var inUse int
	if ok {
		idle = old.retire()
		inUse = old.active
	}
	m.mu.Unlock()

	if ok {
		m.log.Info("datasource config changed, pool replaced", "datasource_id", cfg.ID, "in_use", inUse)
		if idle {
			old.pool.Close()
		}
	}
	m.log.Info("datasource pool opened", "datasource_id", cfg.ID, "type", cfg.Type, "dialect", p.Dialect())
	return mp.ref, nil
}

// Close retires every pool. Idle pools close now; pools with connections
// still checked out close when the last one is released.
func (m *Manager) Close() {
	m.mu.Lock()
	var idle []*managedPool
	for id, mp := range m.pools {
		if mp.retire() {
			idle = append(idle, mp)
		}
		delete(m.pools, id)
	}
	m.mu.Unlock()

	for _, mp := range idle {
		mp.pool.Close()
	}
}

// retire marks mp as replaced and reports whether it can be closed now.
// Callers hold m.mu.
func (mp *managedPool) retire() bool {
	mp.retired = true
	return mp.active == 0
}

// checkout returns the current pool for id and counts one more connection
// against it.
func (m *Manager) checkout(id string, dialect template.Dialect) (*managedPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.pools[id]
	if !ok {
		return nil, fmt.Errorf("datasource %q is closed", id)
	}
	if d := mp.ref.dialect; d != dialect {
		return nil, fmt.Errorf("datasource %q changed dialect from %s to %s", id, dialect, d)
	}
	mp.active++
	return mp, nil
}

// checkin releases one connection count and closes mp once it is retired and
// unused.
func (m *Manager) checkin(mp *managedPool) {
	m.mu.Lock()
	mp.active--
	closeNow := mp.retired && mp.active == 0
	m.mu.Unlock()
	if closeNow {
		mp.pool.Close()
	}
}

// poolRef is the pool handed out in a dispatch.Handle. It always acquires from
// the datasource's current pool, so a handle taken before a config change keeps
// working after it.
type poolRef struct {
	m       *Manager
	id      string
	dialect template.Dialect
}

func (r *poolRef) Dialect() template.Dialect { return r.dialect }

func (r *poolRef) Acquire(ctx context.Context) (dispatch.Conn, error) {
	mp, err := r.m.checkout(r.id, r.dialect)
	if err != nil {
		return nil, err
	}
	conn, err := mp.conns.Acquire(ctx)
	if err != nil {
		r.m.checkin(mp)
		return nil, err
	}
	return &trackedConn{Conn: conn, done: func() { r.m.checkin(mp) }}, nil
}

// trackedConn reports its release back to the manager exactly once.
type trackedConn struct {
	dispatch.Conn
	once sync.Once
	done func()
}

func (c *trackedConn) Release() {
	c.once.Do(func() {
		c.Conn.Release()
		c.done()
	})
}

// throttledPool limits how fast connections are handed out.
type throttledPool struct {
	dispatch.ConnectionPool
	lim *rate.Limiter
}

func (p *throttledPool) Acquire(ctx context.Context) (dispatch.Conn, error) {
	if err := p.lim.Wait(ctx); err != nil {
		return nil, fmt.Errorf("acquire throttled: %w", err)
	}
	return p.ConnectionPool.Acquire(ctx)
}
