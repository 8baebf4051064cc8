package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/watthour/gridmarket/internal/domain"
	"github.com/watthour/gridmarket/internal/protocol"
	"github.com/watthour/gridmarket/internal/store/memory"
	"github.com/watthour/gridmarket/internal/view"
)

// fakeConn records everything the actor pushes at it.
type fakeConn struct {
	identity string
	role     domain.Role

	mu        sync.Mutex
	pushes    []*protocol.Push
	closed    bool
	closeCode int
	failSend  bool
}

func (c *fakeConn) Identity() string  { return c.identity }
func (c *fakeConn) Role() domain.Role { return c.role }

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend {
		return errors.New("send failed")
	}
	var p protocol.Push
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	c.pushes = append(c.pushes, &p)
	return nil
}

func (c *fakeConn) CloseWith(code int, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
	}
}

func (c *fakeConn) lastGame() *view.GameView {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.pushes) - 1; i >= 0; i-- {
		if c.pushes[i].Type == protocol.PushGameState {
			return c.pushes[i].Game
		}
	}
	return nil
}

func (c *fakeConn) lastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.pushes) - 1; i >= 0; i-- {
		if c.pushes[i].Type == protocol.PushError {
			return c.pushes[i].Error
		}
	}
	return ""
}

func (c *fakeConn) errorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.pushes {
		if p.Type == protocol.PushError {
			n++
		}
	}
	return n
}

func (c *fakeConn) closedWith() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestActor(t *testing.T, store domain.GameStore) *Actor {
	t.Helper()
	a, err := New(context.Background(), Config{
		Market:       "test-market",
		Store:        store,
		Logger:       discardLogger(),
		CleanupDelay: time.Hour,
		Seed:         1,
	})
	if err != nil {
		t.Fatalf("new actor: %v", err)
	}
	t.Cleanup(a.Stop)
	return a
}

func attach(t *testing.T, a *Actor, c *fakeConn, token string) {
	t.Helper()
	if err := a.Attach(context.Background(), c, token); err != nil {
		t.Fatalf("attach %s: %v", c.identity, err)
	}
}

func frame(t *testing.T, a *Actor, c *fakeConn, format string, args ...any) {
	t.Helper()
	a.HandleFrame(c, []byte(fmt.Sprintf(format, args...)))
}

func setupGame(t *testing.T, a *Actor, admin *fakeConn, players ...*fakeConn) {
	t.Helper()
	attach(t, a, admin, "")
	frame(t, a, admin, `{"type":"create-game","options":{"max_players":%d,"periods":3,"period_seconds":30,"starting_balance":1000}}`, len(players)+1)
	for i, p := range players {
		attach(t, a, p, fmt.Sprintf("token-%d", i))
	}
}

func TestAttachSendsFullSnapshot(t *testing.T) {
	a := newTestActor(t, memory.NewGameStore())
	admin := &fakeConn{identity: "operator", role: domain.RoleAdmin}
	attach(t, a, admin, "")

	v := admin.lastGame()
	if v == nil {
		t.Fatal("no snapshot pushed on attach")
	}
	if !v.Full {
		t.Error("attach snapshot should carry the full flag")
	}
	if v.State != domain.StateUninitialized {
		t.Errorf("state %q, want uninitialized", v.State)
	}
}

func TestCreateAndJoinBroadcasts(t *testing.T) {
	a := newTestActor(t, memory.NewGameStore())
	admin := &fakeConn{identity: "operator", role: domain.RoleAdmin}
	alice := &fakeConn{identity: "alice", role: domain.RolePlayer}
	setupGame(t, a, admin, alice)

	if v := admin.lastGame(); v == nil || v.State != domain.StateForming {
		t.Fatalf("admin view after join: %+v", v)
	}
	av := alice.lastGame()
	if av == nil {
		t.Fatal("alice received no state")
	}
	if _, ok := av.Players["alice"]; !ok {
		t.Error("alice missing from her own view")
	}
}

func TestLastConnectionWins(t *testing.T) {
	a := newTestActor(t, memory.NewGameStore())
	admin := &fakeConn{identity: "operator", role: domain.RoleAdmin}
	first := &fakeConn{identity: "alice", role: domain.RolePlayer}
	setupGame(t, a, admin, first)

	// Same identity, same token, new connection.
	second := &fakeConn{identity: "alice", role: domain.RolePlayer}
	attach(t, a, second, "token-0")

	if closed, code := first.closedWith(); !closed || code != protocol.CloseReplaced {
		t.Errorf("first connection: closed=%v code=%d, want %d", closed, code, protocol.CloseReplaced)
	}
	if closed, _ := second.closedWith(); closed {
		t.Error("second connection should stay open")
	}
}

func TestRejoinRequiresSameToken(t *testing.T) {
	a := newTestActor(t, memory.NewGameStore())
	admin := &fakeConn{identity: "operator", role: domain.RoleAdmin}
	alice := &fakeConn{identity: "alice", role: domain.RolePlayer}
	setupGame(t, a, admin, alice)

	imposter := &fakeConn{identity: "alice", role: domain.RolePlayer}
	err := a.Attach(context.Background(), imposter, "stolen-token")
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("rejoin with wrong token: got %v, want ErrUnauthorized", err)
	}
	if closed, _ := alice.closedWith(); closed {
		t.Error("existing connection must survive a failed rejoin")
	}
}

func TestAdminCommandsRejectedForPlayers(t *testing.T) {
	a := newTestActor(t, memory.NewGameStore())
	admin := &fakeConn{identity: "operator", role: domain.RoleAdmin}
	alice := &fakeConn{identity: "alice", role: domain.RolePlayer}
	setupGame(t, a, admin, alice)

	for _, cmd := range []string{
		`{"type":"start-game"}`,
		`{"type":"reset-game"}`,
		`{"type":"kick-player","identity":"bob"}`,
		`{"type":"set-visibility","visibility":"public"}`,
	} {
		before := alice.errorCount()
		a.HandleFrame(alice, []byte(cmd))
		if alice.errorCount() != before+1 {
			t.Errorf("command %s: expected an error push", cmd)
		}
	}
	if got := alice.lastError(); got != "command not permitted for your role" {
		t.Errorf("error text %q", got)
	}
}

func TestSubmitOffersRejectedForAdmin(t *testing.T) {
	a := newTestActor(t, memory.NewGameStore())
	admin := &fakeConn{identity: "operator", role: domain.RoleAdmin}
	alice := &fakeConn{identity: "alice", role: domain.RolePlayer}
	setupGame(t, a, admin, alice)
	frame(t, a, admin, `{"type":"start-game"}`)

	before := admin.errorCount()
	frame(t, a, admin, `{"type":"submit-offers","offers":{"gen-001":40}}`)
	if admin.errorCount() != before+1 {
		t.Error("admin submit-offers should be NACKed")
	}
}

func TestUnknownCommandIsSilentNoop(t *testing.T) {
	a := newTestActor(t, memory.NewGameStore())
	admin := &fakeConn{identity: "operator", role: domain.RoleAdmin}
	attach(t, a, admin, "")

	before := admin.errorCount()
	frame(t, a, admin, `{"type":"future-command"}`)
	frame(t, a, admin, `not json at all`)
	if admin.errorCount() != before {
		t.Error("unknown or malformed frames must not produce error pushes")
	}
}

func TestStartOpensPeriodOneWithoutClearing(t *testing.T) {
	a := newTestActor(t, memory.NewGameStore())
	admin := &fakeConn{identity: "operator", role: domain.RoleAdmin}
	alice := &fakeConn{identity: "alice", role: domain.RolePlayer}
	setupGame(t, a, admin, alice)
	frame(t, a, admin, `{"type":"start-game"}`)

	v := admin.lastGame()
	if v.State != domain.StateRunning || v.CurrentPeriod != 1 {
		t.Fatalf("state=%q period=%d, want running/1", v.State, v.CurrentPeriod)
	}
	if len(v.Periods) != 0 {
		t.Error("opening period 1 must not produce a cleared period")
	}
}

func TestAdvanceClearsAndSettles(t *testing.T) {
	store := memory.NewGameStore()
	a := newTestActor(t, store)
	admin := &fakeConn{identity: "operator", role: domain.RoleAdmin}
	alice := &fakeConn{identity: "alice", role: domain.RolePlayer}
	setupGame(t, a, admin, alice)
	frame(t, a, admin, `{"type":"start-game"}`)
	frame(t, a, admin, `{"type":"advance-period"}`)

	v := admin.lastGame()
	if v.CurrentPeriod != 2 {
		t.Fatalf("period %d, want 2", v.CurrentPeriod)
	}
	if len(v.Periods) != 1 || v.Periods[0].Period != 1 {
		t.Fatalf("incremental push periods: %+v", v.Periods)
	}
	res, ok := v.Periods[0].Results["alice"]
	if !ok {
		t.Fatal("alice missing from settlement")
	}
	if v.Players["alice"].Balance != res.Balance {
		t.Errorf("live balance %v, settlement balance %v",
			v.Players["alice"].Balance, res.Balance)
	}

	// The cleared period landed in storage under its own key.
	if _, err := store.LoadPeriod(context.Background(), "test-market", 1); err != nil {
		t.Errorf("period 1 not persisted: %v", err)
	}
}

func TestGameCompletionSchedulesCleanup(t *testing.T) {
	store := memory.NewGameStore()
	a := newTestActor(t, store)
	admin := &fakeConn{identity: "operator", role: domain.RoleAdmin}
	alice := &fakeConn{identity: "alice", role: domain.RolePlayer}
	setupGame(t, a, admin, alice) // 3 periods
	frame(t, a, admin, `{"type":"start-game"}`)
	for i := 0; i < 3; i++ {
		frame(t, a, admin, `{"type":"advance-period"}`)
	}

	v := admin.lastGame()
	if v.State != domain.StateCompleted {
		t.Fatalf("state %q, want completed", v.State)
	}
	if _, err := store.LoadCleanupAt(context.Background(), "test-market"); err != nil {
		t.Errorf("completion should persist a cleanup marker: %v", err)
	}
	// Advancing a completed game is a rule violation, not a crash.
	before := admin.errorCount()
	frame(t, a, admin, `{"type":"advance-period"}`)
	if admin.errorCount() != before+1 {
		t.Error("advance after completion should be NACKed")
	}
}

func TestKickBansPersistently(t *testing.T) {
	store := memory.NewGameStore()
	a := newTestActor(t, store)
	admin := &fakeConn{identity: "operator", role: domain.RoleAdmin}
	alice := &fakeConn{identity: "alice", role: domain.RolePlayer}
	setupGame(t, a, admin, alice)

	frame(t, a, admin, `{"type":"kick-player","identity":"alice"}`)
	if closed, code := alice.closedWith(); !closed || code != protocol.CloseBanned {
		t.Errorf("kicked connection: closed=%v code=%d, want %d", closed, code, protocol.CloseBanned)
	}
	if err := a.Admit(context.Background(), domain.RolePlayer, "alice", "token-0"); !errors.Is(err, domain.ErrBanned) {
		t.Errorf("banned admit: got %v, want ErrBanned", err)
	}

	// The ban survives eviction.
	a.Stop()
	b := newTestActor(t, store)
	if err := b.Admit(context.Background(), domain.RolePlayer, "alice", "token-0"); !errors.Is(err, domain.ErrBanned) {
		t.Errorf("banned admit after restore: got %v, want ErrBanned", err)
	}
}

func TestResetClosesPlayersKeepsAdmins(t *testing.T) {
	store := memory.NewGameStore()
	a := newTestActor(t, store)
	admin := &fakeConn{identity: "operator", role: domain.RoleAdmin}
	alice := &fakeConn{identity: "alice", role: domain.RolePlayer}
	setupGame(t, a, admin, alice)
	frame(t, a, admin, `{"type":"start-game"}`)
	frame(t, a, admin, `{"type":"advance-period"}`)

	// Reset is blocked while running.
	before := admin.errorCount()
	frame(t, a, admin, `{"type":"reset-game"}`)
	if admin.errorCount() != before+1 {
		t.Fatal("reset while running should be NACKed")
	}

	// Complete the game, then reset.
	frame(t, a, admin, `{"type":"advance-period"}`)
	frame(t, a, admin, `{"type":"advance-period"}`)
	frame(t, a, admin, `{"type":"reset-game"}`)

	if closed, code := alice.closedWith(); !closed || code != protocol.CloseGameReset {
		t.Errorf("player close: closed=%v code=%d, want %d", closed, code, protocol.CloseGameReset)
	}
	if closed, _ := admin.closedWith(); closed {
		t.Error("admin connection must survive a reset")
	}
	v := admin.lastGame()
	if v.State != domain.StateUninitialized {
		t.Errorf("state %q, want uninitialized", v.State)
	}
	periods, _ := store.LoadPeriods(context.Background(), "test-market")
	if len(periods) != 0 {
		t.Errorf("reset left %d period records behind", len(periods))
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	store := memory.NewGameStore()
	ctx := context.Background()
	m := NewManager(ctx, ManagerConfig{
		Store:        store,
		Logger:       discardLogger(),
		CleanupDelay: time.Hour,
	})
	defer m.Shutdown()

	a, err := m.Get("region-7")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	admin := &fakeConn{identity: "operator", role: domain.RoleAdmin}
	alice := &fakeConn{identity: "alice", role: domain.RolePlayer}
	attach(t, a, admin, "")
	frame(t, a, admin, `{"type":"create-game","options":{"max_players":2,"periods":5,"period_seconds":60,"starting_balance":1000}}`)
	attach(t, a, alice, "tok")
	frame(t, a, admin, `{"type":"start-game"}`)
	frame(t, a, admin, `{"type":"advance-period"}`)
	wantBalance := admin.lastGame().Players["alice"].Balance

	m.Evict("region-7")
	if _, resident := m.Peek("region-7"); resident {
		t.Fatal("evicted actor still resident")
	}

	b, err := m.Get("region-7")
	if err != nil {
		t.Fatalf("get after evict: %v", err)
	}
	diag, err := b.Inspect(ctx)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if diag.State != domain.StateRunning || diag.CurrentPeriod != 2 || diag.Players != 1 {
		t.Errorf("restored diagnostics: %+v", diag)
	}
	if diag.ClearedPeriods != 1 {
		t.Errorf("cleared periods %d, want 1", diag.ClearedPeriods)
	}

	// A reconnecting player gets the full history and its restored balance.
	again := &fakeConn{identity: "alice", role: domain.RolePlayer}
	attach(t, b, again, "tok")
	v := again.lastGame()
	if !v.Full || len(v.Periods) != 1 {
		t.Fatalf("restored snapshot: full=%v periods=%d", v.Full, len(v.Periods))
	}
	if v.Players["alice"].Balance != wantBalance {
		t.Errorf("restored balance %v, want %v", v.Players["alice"].Balance, wantBalance)
	}
}

func TestManagerRejectsBadNames(t *testing.T) {
	m := NewManager(context.Background(), ManagerConfig{
		Store:  memory.NewGameStore(),
		Logger: discardLogger(),
	})
	defer m.Shutdown()

	for _, name := range []string{"", "UPPER", "has space", "-leading", "x/y"} {
		if _, err := m.Get(name); err == nil {
			t.Errorf("market name %q should be rejected", name)
		}
	}
	if _, err := m.Get("region-7"); err != nil {
		t.Errorf("valid name rejected: %v", err)
	}
}

func TestDestroyClosesAndWipes(t *testing.T) {
	store := memory.NewGameStore()
	ctx := context.Background()
	m := NewManager(ctx, ManagerConfig{
		Store:        store,
		Logger:       discardLogger(),
		CleanupDelay: time.Hour,
	})
	defer m.Shutdown()

	a, _ := m.Get("doomed")
	admin := &fakeConn{identity: "operator", role: domain.RoleAdmin}
	alice := &fakeConn{identity: "alice", role: domain.RolePlayer}
	attach(t, a, admin, "")
	frame(t, a, admin, `{"type":"create-game","options":{"max_players":2}}`)
	attach(t, a, alice, "tok")

	if err := m.Destroy(ctx, "doomed"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if closed, code := alice.closedWith(); !closed || code != protocol.CloseDestroyed {
		t.Errorf("player close: closed=%v code=%d, want %d", closed, code, protocol.CloseDestroyed)
	}
	if _, err := store.LoadGame(ctx, "doomed"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("storage not wiped: %v", err)
	}
	if _, resident := m.Peek("doomed"); resident {
		t.Error("destroyed actor still resident")
	}
}

func TestCleanupFiresWhenUnattended(t *testing.T) {
	store := memory.NewGameStore()
	ctx := context.Background()
	a, err := New(ctx, Config{
		Market:       "idle-market",
		Store:        store,
		Logger:       discardLogger(),
		CleanupDelay: 20 * time.Millisecond,
		Seed:         1,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Stop()

	admin := &fakeConn{identity: "operator", role: domain.RoleAdmin}
	attach(t, a, admin, "")
	frame(t, a, admin, `{"type":"create-game","options":{"max_players":2}}`)
	a.Detach(admin) // last connection leaves a non-active game

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := store.LoadGame(ctx, "idle-market"); errors.Is(err, domain.ErrNotFound) {
			return // wiped
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("unattended market was never cleaned up")
}

func TestCleanupCancelledByReconnect(t *testing.T) {
	store := memory.NewGameStore()
	ctx := context.Background()
	a := newTestActor(t, store)
	admin := &fakeConn{identity: "operator", role: domain.RoleAdmin}
	attach(t, a, admin, "")
	frame(t, a, admin, `{"type":"create-game","options":{"max_players":2}}`)
	a.Detach(admin)

	if _, err := store.LoadCleanupAt(ctx, "test-market"); err != nil {
		t.Fatalf("detach should persist a cleanup marker: %v", err)
	}

	// A player joining re-arms the advance path on start, which clears the
	// pending cleanup marker.
	alice := &fakeConn{identity: "alice", role: domain.RolePlayer}
	attach(t, a, alice, "tok")
	admin2 := &fakeConn{identity: "operator", role: domain.RoleAdmin}
	attach(t, a, admin2, "")
	frame(t, a, admin2, `{"type":"start-game"}`)

	if _, err := store.LoadCleanupAt(ctx, "test-market"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("cleanup marker should be cleared once the game is active: %v", err)
	}
}

func TestFailedSendDropsOnlyThatConnection(t *testing.T) {
	a := newTestActor(t, memory.NewGameStore())
	admin := &fakeConn{identity: "operator", role: domain.RoleAdmin}
	alice := &fakeConn{identity: "alice", role: domain.RolePlayer}
	setupGame(t, a, admin, alice)

	alice.mu.Lock()
	alice.failSend = true
	alice.mu.Unlock()

	frame(t, a, admin, `{"type":"set-visibility","visibility":"public"}`)

	if closed, _ := alice.closedWith(); !closed {
		t.Error("failing connection should be dropped")
	}
	if closed, _ := admin.closedWith(); closed {
		t.Error("healthy connection must survive a peer's send failure")
	}
	if v := admin.lastGame(); v == nil || v.Visibility != domain.VisibilityPublic {
		t.Error("broadcast should still reach healthy connections")
	}
}

func TestAdminsShareIdentityWithoutDisplacement(t *testing.T) {
	a := newTestActor(t, memory.NewGameStore())

	first := &fakeConn{identity: "operator", role: domain.RoleAdmin}
	second := &fakeConn{identity: "operator", role: domain.RoleAdmin}
	attach(t, a, first, "")
	attach(t, a, second, "")

	if closed, code := first.closedWith(); closed {
		t.Fatalf("first admin displaced with code %d", code)
	}
	n, err := a.Connections(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("live connections %d, want both admin consoles", n)
	}
}

// slowStore blocks LoadGame for one market until released, standing in for
// a slow cold-start restore.
type slowStore struct {
	domain.GameStore
	market  string
	release chan struct{}
}

func (s *slowStore) LoadGame(ctx context.Context, market string) (*domain.GameRecord, error) {
	if market == s.market {
		<-s.release
	}
	return s.GameStore.LoadGame(ctx, market)
}

func TestManagerRestoresMarketsIndependently(t *testing.T) {
	release := make(chan struct{})
	store := &slowStore{GameStore: memory.NewGameStore(), market: "cold-market", release: release}
	m := NewManager(context.Background(), ManagerConfig{
		Store:        store,
		Logger:       discardLogger(),
		CleanupDelay: time.Hour,
	})
	t.Cleanup(m.Shutdown)
	var once sync.Once
	releaseOnce := func() { once.Do(func() { close(release) }) }
	// Runs before Shutdown, so a failed test cannot deadlock the cleanup.
	t.Cleanup(releaseOnce)

	coldDone := make(chan error, 1)
	go func() {
		_, err := m.Get("cold-market")
		coldDone <- err
	}()

	// While the cold market's restore is stuck, another market must still
	// come up.
	fastDone := make(chan error, 1)
	go func() {
		_, err := m.Get("fast-market")
		fastDone <- err
	}()
	select {
	case err := <-fastDone:
		if err != nil {
			t.Fatalf("fast market: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second market stalled behind the first market's restore")
	}

	select {
	case err := <-coldDone:
		t.Fatalf("cold market returned before its restore finished: %v", err)
	default:
	}

	releaseOnce()
	select {
	case err := <-coldDone:
		if err != nil {
			t.Fatalf("cold market: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cold market never finished restoring")
	}
}
