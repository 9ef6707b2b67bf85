package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibsupervisor/internal/domain"
	"ibsupervisor/internal/util"
)

type fakeSession struct {
	mu       sync.Mutex
	id       domain.Identity
	port     int
	parent   bool
	loggedIn bool
	checks   int
	stops    int
}

func (f *fakeSession) Identity() domain.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id
}

func (f *fakeSession) Port() int      { return f.port }
func (f *fakeSession) IsParent() bool { return f.parent }

func (f *fakeSession) LoggedIn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedIn
}

func (f *fakeSession) CheckLoggedIn(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return f.loggedIn
}

func (f *fakeSession) Replace(id domain.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.id = id
}

func (f *fakeSession) Info() domain.SessionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.SessionInfo{Identity: f.id, Port: f.port, Parent: f.parent, LoggedIn: f.loggedIn}
}

func (f *fakeSession) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeSession) setLoggedIn(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedIn = v
}

type fakeLedger struct {
	mu    sync.Mutex
	saved map[string]domain.SessionInfo
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{saved: make(map[string]domain.SessionInfo)}
}

func (l *fakeLedger) SaveSession(_ context.Context, info domain.SessionInfo) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.saved[info.BrokerID] = info
	return nil
}

func (l *fakeLedger) DeleteSession(_ context.Context, brokerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.saved, brokerID)
	return nil
}

func (l *fakeLedger) has(brokerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.saved[brokerID]
	return ok
}

type factoryRecorder struct {
	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
}

func (fr *factoryRecorder) factory(_ context.Context, p Params) (*fakeSession, error) {
	fr.calls.Add(1)
	n := fr.inFlight.Add(1)
	defer fr.inFlight.Add(-1)
	for {
		prev := fr.maxSeen.Load()
		if n <= prev || fr.maxSeen.CompareAndSwap(prev, n) {
			break
		}
	}
	if fr.delay > 0 {
		time.Sleep(fr.delay)
	}
	return &fakeSession{id: p.Identity, port: p.Port, parent: p.Parent}, nil
}

func ident(broker string) domain.Identity {
	return domain.Identity{UserID: "u-" + broker, StrategyID: "s-" + broker, BrokerID: broker}
}

func newTestRegistry(fr *factoryRecorder, ledger Ledger) *Registry[*fakeSession] {
	return New(fr.factory, Options{BasePort: 5000, Ledger: ledger, Logger: util.Discard()})
}

func TestCreateOrGetAssignsPortsSequentially(t *testing.T) {
	fr := &factoryRecorder{}
	reg := newTestRegistry(fr, nil)
	ctx := context.Background()

	parent, created, err := reg.CreateOrGet(ctx, Params{Identity: ident("P"), Parent: true})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 5000, parent.Port())

	child, created, err := reg.CreateOrGet(ctx, Params{Identity: ident("A")})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 5001, child.Port())

	again, created, err := reg.CreateOrGet(ctx, Params{Identity: ident("A")})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, child, again)

	got, ok := reg.Parent()
	require.True(t, ok)
	assert.Same(t, parent, got)
	assert.EqualValues(t, 2, fr.calls.Load())
}

func TestCreateOrGetConcurrentUniquePorts(t *testing.T) {
	fr := &factoryRecorder{delay: 2 * time.Millisecond}
	reg := newTestRegistry(fr, nil)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	results := make([]*fakeSession, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, _, err := reg.CreateOrGet(ctx, Params{Identity: ident(fmt.Sprintf("B%d", i))})
			assert.NoError(t, err)
			results[i] = s
		}()
	}
	wg.Wait()

	ports := make(map[int]bool)
	for _, s := range results {
		require.NotNil(t, s)
		assert.False(t, ports[s.Port()], "port %d assigned twice", s.Port())
		ports[s.Port()] = true
	}
	assert.Len(t, ports, n)
	assert.EqualValues(t, 1, fr.maxSeen.Load(), "factory must never run concurrently")
	assert.Equal(t, 0, reg.admit.pending())
}

func TestCreateOrGetConcurrentSameIdentity(t *testing.T) {
	fr := &factoryRecorder{delay: 5 * time.Millisecond}
	reg := newTestRegistry(fr, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var createdCount atomic.Int32
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := reg.CreateOrGet(ctx, Params{Identity: ident("SAME")})
			assert.NoError(t, err)
			if created {
				createdCount.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, fr.calls.Load())
	assert.EqualValues(t, 1, createdCount.Load())
	assert.Equal(t, 1, reg.Len())
}

func TestCreateOrGetExplicitPort(t *testing.T) {
	fr := &factoryRecorder{}
	reg := newTestRegistry(fr, nil)
	ctx := context.Background()

	s, _, err := reg.CreateOrGet(ctx, Params{Identity: ident("A"), Port: 5007})
	require.NoError(t, err)
	assert.Equal(t, 5007, s.Port())

	// The requested port is taken, so the next free one is used.
	s2, _, err := reg.CreateOrGet(ctx, Params{Identity: ident("B"), Port: 5007})
	require.NoError(t, err)
	assert.Equal(t, 5008, s2.Port())
}

func TestCreateOrGetFactoryError(t *testing.T) {
	boom := errors.New("spawn failed")
	reg := New(func(context.Context, Params) (*fakeSession, error) {
		return nil, boom
	}, Options{Logger: util.Discard()})

	_, _, err := reg.CreateOrGet(context.Background(), Params{Identity: ident("A")})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, reg.Len())
}

func TestAdmissionCancelledWhileQueued(t *testing.T) {
	block := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	reg := New(func(_ context.Context, p Params) (*fakeSession, error) {
		once.Do(func() { close(entered) })
		if p.Identity.BrokerID == "SLOW" {
			<-block
		}
		return &fakeSession{id: p.Identity, port: p.Port}, nil
	}, Options{Logger: util.Discard()})

	done := make(chan error, 1)
	go func() {
		_, _, err := reg.CreateOrGet(context.Background(), Params{Identity: ident("SLOW")})
		done <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := reg.CreateOrGet(ctx, Params{Identity: ident("WAITER")})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	require.NoError(t, <-done)

	// The queue must not be wedged by the abandoned ticket.
	s, created, err := reg.CreateOrGet(context.Background(), Params{Identity: ident("NEXT")})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 5001, s.Port())
	assert.Equal(t, 0, reg.admit.pending())
}

func TestFindByIdentity(t *testing.T) {
	fr := &factoryRecorder{}
	reg := newTestRegistry(fr, nil)
	ctx := context.Background()

	a, _, err := reg.CreateOrGet(ctx, Params{Identity: ident("A")})
	require.NoError(t, err)
	_, _, err = reg.CreateOrGet(ctx, Params{Identity: ident("B")})
	require.NoError(t, err)
	a.setLoggedIn(true)

	got, err := reg.FindByIdentity("u-A", "s-A", "A")
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = reg.FindByIdentity("u-B", "s-B", "B")
	assert.ErrorIs(t, err, ErrNotFound, "sessions that are not logged in are not returned")

	_, err = reg.FindByIdentity("u-A", "other", "A")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAllocatePort(t *testing.T) {
	fr := &factoryRecorder{}
	reg := newTestRegistry(fr, nil)
	ctx := context.Background()

	parent, _, _ := reg.CreateOrGet(ctx, Params{Identity: ident("P"), Parent: true})
	a, _, _ := reg.CreateOrGet(ctx, Params{Identity: ident("A")})
	b, _, _ := reg.CreateOrGet(ctx, Params{Identity: ident("B")})
	c, _, _ := reg.CreateOrGet(ctx, Params{Identity: ident("C")})
	a.setLoggedIn(true)

	assert.Equal(t, 5002, reg.AllocatePort(ctx, nil))
	assert.Equal(t, 5003, reg.AllocatePort(ctx, []int{5002}))
	assert.Equal(t, 5004, reg.AllocatePort(ctx, []int{5002, 5003}))

	b.setLoggedIn(true)
	c.setLoggedIn(true)
	assert.Equal(t, 5004, reg.AllocatePort(ctx, nil))
	assert.Zero(t, parent.checks, "parent is never offered")
}

func TestAllocatePortEmpty(t *testing.T) {
	reg := newTestRegistry(&factoryRecorder{}, nil)
	assert.Equal(t, 5001, reg.AllocatePort(context.Background(), nil))
}

func TestReplaceRekeys(t *testing.T) {
	ledger := newFakeLedger()
	reg := newTestRegistry(&factoryRecorder{}, ledger)
	ctx := context.Background()

	s, _, err := reg.CreateOrGet(ctx, Params{Identity: ident("A")})
	require.NoError(t, err)
	_, _, err = reg.CreateOrGet(ctx, Params{Identity: ident("B")})
	require.NoError(t, err)

	require.NoError(t, reg.Replace(ctx, s.Port(), ident("Z")))

	_, ok := reg.Get("A")
	assert.False(t, ok)
	got, ok := reg.Get("Z")
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, "Z", s.Identity().BrokerID)
	assert.False(t, ledger.has("A"))
	assert.True(t, ledger.has("Z"))

	// Creation order is preserved across a re-key.
	infos := reg.Infos()
	require.Len(t, infos, 2)
	assert.Equal(t, "Z", infos[0].BrokerID)
	assert.Equal(t, "B", infos[1].BrokerID)

	err = reg.Replace(ctx, s.Port(), ident("B"))
	assert.ErrorIs(t, err, ErrBrokerInUse)

	err = reg.Replace(ctx, 6000, ident("Q"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	ledger := newFakeLedger()
	reg := newTestRegistry(&factoryRecorder{}, ledger)
	ctx := context.Background()

	s, _, err := reg.CreateOrGet(ctx, Params{Identity: ident("A"), Parent: true})
	require.NoError(t, err)
	assert.True(t, ledger.has("A"))

	require.NoError(t, reg.Delete(ctx, "A"))
	assert.Equal(t, 1, s.stops)
	assert.Equal(t, 0, reg.Len())
	assert.False(t, ledger.has("A"))
	_, ok := reg.Parent()
	assert.False(t, ok)

	assert.ErrorIs(t, reg.Delete(ctx, "A"), ErrNotFound)
}

func TestCloseStopsAll(t *testing.T) {
	ledger := newFakeLedger()
	reg := newTestRegistry(&factoryRecorder{}, ledger)
	ctx := context.Background()

	var sessions []*fakeSession
	for _, id := range []string{"A", "B", "C"} {
		s, _, err := reg.CreateOrGet(ctx, Params{Identity: ident(id)})
		require.NoError(t, err)
		sessions = append(sessions, s)
	}

	require.NoError(t, reg.Close(ctx))
	for _, s := range sessions {
		assert.Equal(t, 1, s.stops)
	}
	assert.Equal(t, 0, reg.Len())
	assert.True(t, ledger.has("A"), "close keeps the ledger for restore")
}

func TestRestore(t *testing.T) {
	fr := &factoryRecorder{}
	reg := newTestRegistry(fr, nil)

	infos := []domain.SessionInfo{
		{Identity: ident("P"), Port: 5000, Parent: true},
		{Identity: ident("A"), Port: 5003},
		{Identity: ident("B"), Port: 5003},
	}
	var asked []string
	n := reg.Restore(context.Background(), infos, func(brokerID string) domain.Credentials {
		asked = append(asked, brokerID)
		return domain.Credentials{}
	})

	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"P", "A", "B"}, asked)

	a, _ := reg.Get("A")
	b, _ := reg.Get("B")
	assert.Equal(t, 5003, a.Port())
	assert.Equal(t, 5004, b.Port())
	p, ok := reg.Parent()
	require.True(t, ok)
	assert.Equal(t, 5000, p.Port())
}
