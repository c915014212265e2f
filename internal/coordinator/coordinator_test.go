package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"lockstep/server/internal/consistency"
	"lockstep/server/internal/demo"
	"lockstep/server/internal/net/proto"
	"lockstep/server/internal/session"
	"lockstep/server/logging"
	sessionlog "lockstep/server/logging/session"
)

var testSums = consistency.Sums{
	"maps/arena.map":  0x1111,
	"textures/wall":   0x2222,
	"sounds/step.ogg": 0x3333,
}

type fakeWorldState struct {
	World   string         `json:"world"`
	Seq     uint64         `json:"seq"`
	Sum     int            `json:"sum"`
	Players map[int]string `json:"players"`
}

type fakeWorld struct {
	mu      sync.Mutex
	state   fakeWorldState
	missing map[string]bool
}

func newFakeWorld() *fakeWorld {
	return &fakeWorld{missing: make(map[string]bool)}
}

func (w *fakeWorld) LoadWorld(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.missing[id] {
		return fmt.Errorf("world %s not found", id)
	}
	w.state = fakeWorldState{World: id, Players: make(map[int]string)}
	return nil
}

func (w *fakeWorld) ApplyActionFrame(frame proto.TickFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, join := range frame.Joins {
		w.state.Players[join.Slot] = join.Character.Name
	}
	for _, slot := range frame.Leaves {
		delete(w.state.Players, slot)
	}
	for _, action := range frame.Actions {
		w.state.Sum += (action.Slot+1)*1000 + len(action.Data)
	}
	w.state.Seq = frame.Seq
	return nil
}

func (w *fakeWorld) SnapshotState() ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return json.Marshal(w.state)
}

func (w *fakeWorld) RestoreState(state []byte) error {
	var restored fakeWorldState
	if err := json.Unmarshal(state, &restored); err != nil {
		return err
	}
	if restored.Players == nil {
		restored.Players = make(map[int]string)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = restored
	return nil
}

func (w *fakeWorld) PlayerEntity(slot int) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.state.Players[slot]; !ok {
		return "", false
	}
	return fmt.Sprintf("player-%d", slot), true
}

func (w *fakeWorld) snapshot(t *testing.T) fakeWorldState {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	copied := w.state
	copied.Players = make(map[int]string, len(w.state.Players))
	for k, v := range w.state.Players {
		copied.Players[k] = v
	}
	return copied
}

// hub links one host dispatcher with any number of client dispatchers in
// memory. Frames go through the JSON codec so nothing is shared.
type hub struct {
	mu      sync.Mutex
	host    *hubEnd
	clients map[string]*hubEnd
	next    int
	refuse  bool
}

type hubEnd struct {
	hub   *hub
	id    string
	mu    sync.Mutex
	inbox []proto.Frame
}

func newHub() *hub {
	h := &hub{clients: make(map[string]*hubEnd)}
	h.host = &hubEnd{hub: h, id: "host"}
	return h
}

func (h *hub) Connect(ctx context.Context, address string) (Dispatcher, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refuse {
		return nil, errors.New("connection refused")
	}
	h.next++
	end := &hubEnd{hub: h, id: fmt.Sprintf("peer-%d", h.next)}
	h.clients[end.id] = end
	return end, nil
}

func (e *hubEnd) deliver(frame proto.Frame, from string) error {
	codec := proto.JSONCodec{}
	data, err := codec.Encode(frame)
	if err != nil {
		return err
	}
	decoded, err := codec.Decode(data)
	if err != nil {
		return err
	}
	decoded.From = from
	e.mu.Lock()
	e.inbox = append(e.inbox, decoded)
	e.mu.Unlock()
	return nil
}

func (e *hubEnd) Send(frame proto.Frame, to proto.Destination) error {
	h := e.hub
	if e != h.host {
		h.mu.Lock()
		_, live := h.clients[e.id]
		h.mu.Unlock()
		if !live {
			return errors.New("connection closed")
		}
		return h.host.deliver(frame, e.id)
	}
	h.mu.Lock()
	var targets []*hubEnd
	if to == proto.ToAll {
		for _, client := range h.clients {
			targets = append(targets, client)
		}
	} else if id, ok := to.Peer(); ok {
		if client, ok := h.clients[id]; ok {
			targets = append(targets, client)
		}
	}
	h.mu.Unlock()
	for _, target := range targets {
		if err := target.deliver(frame, e.id); err != nil {
			return err
		}
	}
	return nil
}

func (e *hubEnd) PollReceived() []proto.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	frames := e.inbox
	e.inbox = nil
	return frames
}

func (e *hubEnd) Close() error {
	h := e.hub
	h.mu.Lock()
	_, live := h.clients[e.id]
	delete(h.clients, e.id)
	h.mu.Unlock()
	if live {
		return h.host.deliver(proto.Frame{Kind: proto.KindLeave, Leave: &proto.Leave{Reason: "closed"}}, e.id)
	}
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []logging.Event
}

func (l *eventLog) Publish(_ context.Context, event logging.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) count(kind logging.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, event := range l.events {
		if event.Type == kind {
			n++
		}
	}
	return n
}

func testConfig() Config {
	return Config{
		Version:       consistency.Version{Major: 1, Minor: 4},
		DemoWindow:    2,
		Mod:           "arena",
		ContentItems:  []string{"maps/arena.map", "textures/wall", "sounds/step.ogg"},
		ManualTicks:   true,
		JoinTimeout:   3 * time.Second,
		GatherTimeout: time.Second,
	}
}

func newTestCoordinator(t *testing.T, cfg Config, deps Deps) *Coordinator {
	t.Helper()
	if deps.Hasher == nil {
		deps.Hasher = testSums
	}
	c := New(cfg, deps)
	t.Cleanup(c.StopGame)
	return c
}

func step(t *testing.T, c *Coordinator, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		c.Driver().Fire()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := c.Driver().WaitIdle(ctx)
		cancel()
		if err != nil {
			t.Fatalf("tick did not finish: %v", err)
		}
	}
}

// pump fires ticks and runs the main loop of each coordinator until the
// returned stop function is called.
func pump(cs ...*Coordinator) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, c := range cs {
				c.Driver().Fire()
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				c.Driver().WaitIdle(ctx)
				cancel()
				c.MainLoop(time.Now())
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

func hostArena(t *testing.T, c *Coordinator, opts HostOptions) {
	t.Helper()
	if opts.World == "" {
		opts.World = "arena"
	}
	if opts.Name == "" {
		opts.Name = "friday"
	}
	if err := c.HostSession(context.Background(), opts); err != nil {
		t.Fatalf("host session: %v", err)
	}
}

type pair struct {
	hub         *hub
	host        *Coordinator
	client      *Coordinator
	hostWorld   *fakeWorld
	clientWorld *fakeWorld
	hostSlot    PlayerSlot
}

func joinPair(t *testing.T, clientCfg func(*Config)) pair {
	t.Helper()
	p := pair{hub: newHub(), hostWorld: newFakeWorld(), clientWorld: newFakeWorld()}
	p.host = newTestCoordinator(t, testConfig(), Deps{Host: p.hub.host, World: p.hostWorld})
	hostArena(t, p.host, HostOptions{MaxPlayers: 4})
	slot, err := p.host.AddPlayer(Character{Name: "ana"})
	if err != nil {
		t.Fatalf("add host player: %v", err)
	}
	p.hostSlot = slot
	for i := 0; i < 3; i++ {
		if err := p.host.QueueAction(slot, []byte("move")); err != nil {
			t.Fatalf("queue action: %v", err)
		}
		step(t, p.host, 1)
	}

	cfg := testConfig()
	if clientCfg != nil {
		clientCfg(&cfg)
	}
	p.client = newTestCoordinator(t, cfg, Deps{Connector: p.hub, World: p.clientWorld})
	stop := pump(p.host)
	err = p.client.JoinSession(context.Background(), session.NewDescriptor("hub"), 1)
	stop()
	if err != nil {
		t.Fatalf("join session: %v", err)
	}
	// Apply whatever the host ticked during the handshake.
	step(t, p.client, 1)
	return p
}

func TestHostWaitsForAllPlayers(t *testing.T) {
	world := newFakeWorld()
	events := &eventLog{}
	c := newTestCoordinator(t, testConfig(), Deps{World: world, Publisher: events})
	hostArena(t, c, HostOptions{MaxPlayers: 2, WaitForAllPlayers: true})

	if got := c.State(); got != StateHosting {
		t.Fatalf("expected hosting state, got %s", got)
	}
	if _, err := c.AddPlayer(Character{Name: "ana"}); err != nil {
		t.Fatalf("add player: %v", err)
	}
	step(t, c, 3)
	if c.Tick() != 0 {
		t.Fatalf("expected no ticks while waiting, got %d", c.Tick())
	}
	if !c.IsWaitingForPlayers() {
		t.Fatalf("expected host to wait for players")
	}

	if _, err := c.AddPlayer(Character{Name: "bo"}); err != nil {
		t.Fatalf("add second player: %v", err)
	}
	step(t, c, 2)
	if c.Tick() != 2 {
		t.Fatalf("expected 2 ticks once full, got %d", c.Tick())
	}
	if got := c.State(); got != StateActive {
		t.Fatalf("expected active state, got %s", got)
	}
	if events.count(sessionlog.EventWaitingComplete) == 0 {
		t.Fatalf("expected waiting complete event")
	}
	if got := world.snapshot(t).Players; len(got) != 2 {
		t.Fatalf("expected both players in world, got %v", got)
	}
}

func TestHostWaitsForFourPlayers(t *testing.T) {
	c := newTestCoordinator(t, testConfig(), Deps{World: newFakeWorld()})
	hostArena(t, c, HostOptions{MaxPlayers: 4, WaitForAllPlayers: true})

	for _, name := range []string{"ana", "bo", "cy"} {
		if _, err := c.AddPlayer(Character{Name: name}); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
		step(t, c, 2)
		if c.Tick() != 0 {
			t.Fatalf("expected no authoritative tick before the fourth player, got %d after %s", c.Tick(), name)
		}
	}
	if _, err := c.AddPlayer(Character{Name: "di"}); err != nil {
		t.Fatalf("add fourth player: %v", err)
	}
	step(t, c, 1)
	if c.Tick() != 1 {
		t.Fatalf("expected ticks to start with the fourth player, got %d", c.Tick())
	}
}

func TestHostSessionRejectsOversizedProperties(t *testing.T) {
	c := newTestCoordinator(t, testConfig(), Deps{World: newFakeWorld()})
	err := c.HostSession(context.Background(), HostOptions{World: "arena", Properties: make([]byte, PropertiesSize+1)})
	if !errors.Is(err, ErrStartup) {
		t.Fatalf("expected startup error, got %v", err)
	}
	if c.State() != StateIdle || c.Role() != RoleNone {
		t.Fatalf("expected idle coordinator, got %s/%s", c.State(), c.Role())
	}
}

func TestHostSessionMissingWorldFails(t *testing.T) {
	world := newFakeWorld()
	world.missing["void"] = true
	c := newTestCoordinator(t, testConfig(), Deps{World: world})
	err := c.HostSession(context.Background(), HostOptions{World: "void"})
	if !errors.Is(err, ErrStartup) {
		t.Fatalf("expected startup error, got %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle state, got %s", c.State())
	}
}

func TestLateJoinerMatchesHostState(t *testing.T) {
	p := joinPair(t, nil)

	if p.client.Role() != RoleClient || p.client.State() != StateActive {
		t.Fatalf("expected active client, got %s/%s", p.client.Role(), p.client.State())
	}
	if got := p.clientWorld.snapshot(t).Sum; got == 0 {
		t.Fatalf("expected joined state to carry host actions, got sum %d", got)
	}

	step(t, p.host, 2)
	step(t, p.client, 1)
	if p.host.Tick() != p.client.Tick() {
		t.Fatalf("expected client tick %d, got %d", p.host.Tick(), p.client.Tick())
	}
	hostState, clientState := p.hostWorld.snapshot(t), p.clientWorld.snapshot(t)
	if hostState.Sum != clientState.Sum || hostState.Seq != clientState.Seq {
		t.Fatalf("expected client state %+v, got %+v", hostState, clientState)
	}
	if len(p.client.Players()) != 1 || p.client.Players()[0].Character.Name != "ana" {
		t.Fatalf("expected host player on client, got %+v", p.client.Players())
	}
	if !p.host.IsNetworkEnabled() || !p.client.IsNetworkEnabled() {
		t.Fatalf("expected network enabled on both ends")
	}
	if err := p.host.Save("mp"); !errors.Is(err, ErrMultiplayer) {
		t.Fatalf("expected multiplayer save to fail, got %v", err)
	}
}

func TestClientAddPlayerAndActions(t *testing.T) {
	p := joinPair(t, nil)

	stop := pump(p.host, p.client)
	slot, err := p.client.AddPlayer(Character{Name: "bo"})
	stop()
	if err != nil {
		t.Fatalf("client add player: %v", err)
	}
	if slot.Slot == p.hostSlot.Slot {
		t.Fatalf("expected distinct slots, both got %d", slot.Slot)
	}

	if err := p.client.QueueAction(slot, []byte("jump")); err != nil {
		t.Fatalf("queue client action: %v", err)
	}
	step(t, p.client, 1)
	step(t, p.host, 1)
	step(t, p.client, 1)

	hostState, clientState := p.hostWorld.snapshot(t), p.clientWorld.snapshot(t)
	if hostState.Players[slot.Slot] != "bo" || clientState.Players[slot.Slot] != "bo" {
		t.Fatalf("expected bo on both machines, got host=%v client=%v", hostState.Players, clientState.Players)
	}
	if hostState.Sum != clientState.Sum {
		t.Fatalf("expected equal sums, got host=%d client=%d", hostState.Sum, clientState.Sum)
	}
	entity, ok := p.client.LocalPlayerEntity(slot)
	if !ok || !p.client.IsPlayerLocal(entity) {
		t.Fatalf("expected %s to be local on client", entity)
	}
	if p.host.IsPlayerLocal(entity) {
		t.Fatalf("expected %s to be remote on host", entity)
	}
}

func TestPeerCannotTakeAnotherPeersReservedSlot(t *testing.T) {
	h := newHub()
	host := newTestCoordinator(t, testConfig(), Deps{Host: h.host, World: newFakeWorld()})
	hostArena(t, host, HostOptions{MaxPlayers: 2})

	first := newTestCoordinator(t, testConfig(), Deps{Connector: h, World: newFakeWorld()})
	stop := pump(host)
	err := first.JoinSession(context.Background(), session.NewDescriptor("hub"), 1)
	stop()
	if err != nil {
		t.Fatalf("first join: %v", err)
	}
	second := newTestCoordinator(t, testConfig(), Deps{Connector: h, World: newFakeWorld()})
	stop = pump(host, first)
	err = second.JoinSession(context.Background(), session.NewDescriptor("hub"), 1)
	stop()
	if err != nil {
		t.Fatalf("second join: %v", err)
	}

	stop = pump(host, first, second)
	defer stop()
	if _, err := first.AddPlayer(Character{Name: "ana"}); err != nil {
		t.Fatalf("first peer's reserved player: %v", err)
	}
	if _, err := first.AddPlayer(Character{Name: "ana2"}); !errors.Is(err, ErrSessionFull) {
		t.Fatalf("expected extra player to be refused as full, got %v", err)
	}
	if _, err := second.AddPlayer(Character{Name: "bo"}); err != nil {
		t.Fatalf("expected second peer's reservation to hold, got %v", err)
	}
}

func TestJoinReportsVersionBeforeContent(t *testing.T) {
	h := newHub()
	host := newTestCoordinator(t, testConfig(), Deps{Host: h.host, World: newFakeWorld()})
	hostArena(t, host, HostOptions{MaxPlayers: 4})

	cfg := testConfig()
	cfg.Version = consistency.Version{Major: 1, Minor: 5}
	client := newTestCoordinator(t, cfg, Deps{
		Connector: h,
		World:     newFakeWorld(),
		Hasher:    consistency.Sums{"maps/arena.map": 9},
	})
	stop := pump(host)
	err := client.JoinSession(context.Background(), session.NewDescriptor("hub"), 1)
	stop()

	if !errors.Is(err, consistency.ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
	if errors.Is(err, consistency.ErrContentMismatch) {
		t.Fatalf("expected content not to be checked, got %v", err)
	}
	if !strings.Contains(client.RequiredMod(), "arena") {
		t.Fatalf("expected required mod to name arena, got %q", client.RequiredMod())
	}
	if client.State() != StateIdle {
		t.Fatalf("expected idle client, got %s", client.State())
	}
}

func TestJoinContentMismatchNamesItem(t *testing.T) {
	h := newHub()
	events := &eventLog{}
	host := newTestCoordinator(t, testConfig(), Deps{Host: h.host, World: newFakeWorld()})
	hostArena(t, host, HostOptions{MaxPlayers: 4})

	changed := consistency.Sums{}
	for id, sum := range testSums {
		changed[id] = sum
	}
	changed["textures/wall"] = 0xdead
	client := newTestCoordinator(t, testConfig(), Deps{Connector: h, World: newFakeWorld(), Hasher: changed, Publisher: events})
	stop := pump(host)
	err := client.JoinSession(context.Background(), session.NewDescriptor("hub"), 1)
	stop()

	var mismatch *consistency.MismatchError
	if !errors.As(err, &mismatch) || !errors.Is(err, consistency.ErrContentMismatch) {
		t.Fatalf("expected content mismatch, got %v", err)
	}
	if mismatch.Item != "textures/wall" {
		t.Fatalf("expected mismatch on textures/wall, got %q", mismatch.Item)
	}
	if client.RequiredMod() == "" {
		t.Fatalf("expected required mod to be set")
	}
	if events.count(sessionlog.EventJoinFailed) != 1 {
		t.Fatalf("expected one join failure event")
	}
}

func TestJoinMissingContentIsMismatch(t *testing.T) {
	h := newHub()
	host := newTestCoordinator(t, testConfig(), Deps{Host: h.host, World: newFakeWorld()})
	hostArena(t, host, HostOptions{MaxPlayers: 4})

	partial := consistency.Sums{"maps/arena.map": testSums["maps/arena.map"], "textures/wall": testSums["textures/wall"]}
	client := newTestCoordinator(t, testConfig(), Deps{Connector: h, World: newFakeWorld(), Hasher: partial})
	stop := pump(host)
	err := client.JoinSession(context.Background(), session.NewDescriptor("hub"), 1)
	stop()

	var mismatch *consistency.MismatchError
	if !errors.As(err, &mismatch) || mismatch.Item != "sounds/step.ogg" {
		t.Fatalf("expected mismatch naming sounds/step.ogg, got %v", err)
	}
}

func TestJoinFullSession(t *testing.T) {
	h := newHub()
	host := newTestCoordinator(t, testConfig(), Deps{Host: h.host, World: newFakeWorld()})
	hostArena(t, host, HostOptions{MaxPlayers: 1})
	if _, err := host.AddPlayer(Character{Name: "ana"}); err != nil {
		t.Fatalf("add player: %v", err)
	}

	client := newTestCoordinator(t, testConfig(), Deps{Connector: h, World: newFakeWorld()})
	stop := pump(host)
	err := client.JoinSession(context.Background(), session.NewDescriptor("hub"), 1)
	stop()
	if !errors.Is(err, ErrSessionFull) || !errors.Is(err, ErrRefused) {
		t.Fatalf("expected full refusal, got %v", err)
	}
}

func TestJoinConnectFailureIsRefused(t *testing.T) {
	h := newHub()
	h.refuse = true
	client := newTestCoordinator(t, testConfig(), Deps{Connector: h, World: newFakeWorld()})
	err := client.JoinSession(context.Background(), session.NewDescriptor("hub"), 1)
	if !errors.Is(err, ErrRefused) {
		t.Fatalf("expected refused, got %v", err)
	}
}

func TestJoinWithoutHostTimesOut(t *testing.T) {
	h := newHub()
	cfg := testConfig()
	cfg.JoinTimeout = 150 * time.Millisecond
	client := newTestCoordinator(t, cfg, Deps{Connector: h, World: newFakeWorld()})
	err := client.JoinSession(context.Background(), session.NewDescriptor("hub"), 1)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestStopGameIsIdempotent(t *testing.T) {
	events := &eventLog{}
	c := newTestCoordinator(t, testConfig(), Deps{World: newFakeWorld(), Publisher: events})
	c.StopGame()
	c.StopGame()
	if events.count(sessionlog.EventStopped) != 0 {
		t.Fatalf("expected no stop event for an idle coordinator")
	}

	hostArena(t, c, HostOptions{MaxPlayers: 1})
	step(t, c, 2)
	c.StopGame()
	c.StopGame()
	if c.State() != StateIdle || c.Role() != RoleNone || c.Driver().Installed() {
		t.Fatalf("expected idle coordinator after stop, got %s/%s", c.State(), c.Role())
	}
	if events.count(sessionlog.EventStopped) != 1 {
		t.Fatalf("expected one stop event, got %d", events.count(sessionlog.EventStopped))
	}
}

func TestPauseIsBroadcastAndEchoed(t *testing.T) {
	p := joinPair(t, nil)
	before := p.host.Tick()

	p.host.TogglePause()
	step(t, p.host, 3)
	step(t, p.client, 1)
	if p.host.Tick() != before {
		t.Fatalf("expected paused host to hold tick %d, got %d", before, p.host.Tick())
	}
	if !p.client.IsPaused() {
		t.Fatalf("expected client to echo pause")
	}
	p.client.TogglePause()
	if !p.host.IsPaused() {
		t.Fatalf("expected client toggle to be ignored")
	}
	if p.client.IsDisconnected() {
		t.Fatalf("expected idle frames to keep the client connected")
	}

	p.host.TogglePause()
	step(t, p.host, 2)
	step(t, p.client, 1)
	if p.client.IsPaused() {
		t.Fatalf("expected client to echo unpause")
	}
	if p.client.Tick() != before+2 {
		t.Fatalf("expected client tick %d, got %d", before+2, p.client.Tick())
	}
}

func TestLocalPauseSinglePlayerOnly(t *testing.T) {
	c := newTestCoordinator(t, testConfig(), Deps{World: newFakeWorld()})
	hostArena(t, c, HostOptions{MaxPlayers: 1})
	c.SetLocalPause(true)
	step(t, c, 2)
	if c.Tick() != 0 {
		t.Fatalf("expected local pause to hold ticks, got %d", c.Tick())
	}
	c.SetLocalPause(false)
	step(t, c, 2)
	if c.Tick() != 2 {
		t.Fatalf("expected 2 ticks after resume, got %d", c.Tick())
	}

	p := joinPair(t, nil)
	p.host.SetLocalPause(true)
	p.client.SetLocalPause(true)
	if p.host.LocalPause() || p.client.LocalPause() {
		t.Fatalf("expected local pause to be ignored in multiplayer")
	}
}

func TestChangeLevelAppliesAtMainLoop(t *testing.T) {
	p := joinPair(t, nil)
	if err := p.client.ChangeLevel("dunes", false, 0); err == nil {
		t.Fatalf("expected client level change to fail")
	}
	if err := p.host.ChangeLevel("dunes", true, 7); err != nil {
		t.Fatalf("change level: %v", err)
	}
	if p.host.CurrentWorld() != "arena" {
		t.Fatalf("expected level change to wait for the main loop")
	}
	before := p.host.Tick()
	step(t, p.host, 1)
	if p.host.Tick() != before {
		t.Fatalf("expected tick to hold while a level is pending")
	}

	p.host.MainLoop(time.Now())
	if p.host.CurrentWorld() != "dunes" || p.host.LevelUserData() != 7 {
		t.Fatalf("expected dunes with user data 7, got %s/%d", p.host.CurrentWorld(), p.host.LevelUserData())
	}
	if got := p.host.LevelHistory(); len(got) != 1 || got[0] != "arena" {
		t.Fatalf("expected arena in history, got %v", got)
	}

	step(t, p.client, 1)
	p.client.MainLoop(time.Now())
	if p.client.CurrentWorld() != "dunes" || p.clientWorld.snapshot(t).World != "dunes" {
		t.Fatalf("expected client to follow to dunes, got %s", p.client.CurrentWorld())
	}
	p.host.mu.Lock()
	hostTick := p.host.history[0].level.Tick
	p.host.mu.Unlock()
	p.client.mu.Lock()
	clientHistory := append([]levelRecord(nil), p.client.history...)
	p.client.mu.Unlock()
	if len(clientHistory) != 1 || clientHistory[0].level.Tick != hostTick {
		t.Fatalf("expected client history to carry host tick %d, got %+v", hostTick, clientHistory)
	}

	step(t, p.host, 2)
	step(t, p.client, 1)
	if p.host.Tick() != p.client.Tick() {
		t.Fatalf("expected ticks to line up after level change, host=%d client=%d", p.host.Tick(), p.client.Tick())
	}
}

func TestChatReachesAddressedPlayers(t *testing.T) {
	p := joinPair(t, nil)
	var mu sync.Mutex
	var received []string
	p.client.OnChat(func(chat proto.Chat) {
		mu.Lock()
		received = append(received, chat.Text)
		mu.Unlock()
	})

	if err := p.host.SendChat(1<<uint(p.hostSlot.Slot), 0, "gl hf"); err != nil {
		t.Fatalf("send chat: %v", err)
	}
	step(t, p.client, 1)
	p.client.MainLoop(time.Now())

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0] != "gl hf" {
		t.Fatalf("expected one chat line, got %v", received)
	}
}

func TestClientDisconnectsAfterMissingRun(t *testing.T) {
	p := joinPair(t, func(cfg *Config) {
		cfg.Stability.MaxMissingRun = 5
	})
	step(t, p.client, 5)
	if !p.client.IsDisconnected() {
		t.Fatalf("expected client to give up after 5 missing ticks")
	}
	if !strings.Contains(p.client.WhyDisconnected(), "no frames") {
		t.Fatalf("unexpected reason %q", p.client.WhyDisconnected())
	}
	if p.client.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", p.client.State())
	}
}

func TestHostStopDisconnectsClient(t *testing.T) {
	p := joinPair(t, nil)
	p.host.StopGame()
	step(t, p.client, 1)
	if !p.client.IsDisconnected() || p.client.WhyDisconnected() != "session ended" {
		t.Fatalf("expected session ended, got %q", p.client.WhyDisconnected())
	}
}

func TestDemoRecordAndPlayback(t *testing.T) {
	store := demo.NewMemoryStore()
	world := newFakeWorld()
	host := newTestCoordinator(t, testConfig(), Deps{World: world, Demos: store})
	hostArena(t, host, HostOptions{MaxPlayers: 2})
	slot, err := host.AddPlayer(Character{Name: "ana"})
	if err != nil {
		t.Fatalf("add player: %v", err)
	}
	if err := host.StartDemoRecord("match"); err != nil {
		t.Fatalf("start record: %v", err)
	}
	for i := 0; i < 5; i++ {
		host.QueueAction(slot, []byte{byte(i)})
		step(t, host, 1)
		host.MainLoop(time.Now())
	}
	if err := host.StopDemoRecord(); err != nil {
		t.Fatalf("stop record: %v", err)
	}
	want := world.snapshot(t)

	playWorld := newFakeWorld()
	player := newTestCoordinator(t, testConfig(), Deps{World: playWorld, Demos: store})
	if err := player.StartDemoPlay("match"); err != nil {
		t.Fatalf("start play: %v", err)
	}
	if !player.IsPlayingDemo() {
		t.Fatalf("expected demo playback")
	}
	player.SetDemoSyncRate(demo.Stopped)
	player.MainLoop(time.Now().Add(time.Hour))
	if player.Tick() != 0 {
		t.Fatalf("expected stopped time base to hold, got tick %d", player.Tick())
	}
	for i := 0; i < 20 && !player.IsDemoPlayFinished(); i++ {
		if err := player.StepDemo(); err != nil {
			t.Fatalf("step demo: %v", err)
		}
	}
	if !player.IsDemoPlayFinished() {
		t.Fatalf("expected playback to finish")
	}
	got := playWorld.snapshot(t)
	if got.Sum != want.Sum || got.Seq != want.Seq || got.Players[slot.Slot] != "ana" {
		t.Fatalf("expected replayed state %+v, got %+v", want, got)
	}
	if player.Tick() != 5 {
		t.Fatalf("expected replay to reach tick 5, got %d", player.Tick())
	}
}

func TestStoppedDemoHoldsSameTickLevelChange(t *testing.T) {
	store := demo.NewMemoryStore()
	host := newTestCoordinator(t, testConfig(), Deps{World: newFakeWorld(), Demos: store})
	hostArena(t, host, HostOptions{MaxPlayers: 1})
	if err := host.StartDemoRecord("levels"); err != nil {
		t.Fatalf("start record: %v", err)
	}
	step(t, host, 2)
	host.MainLoop(time.Now())
	if err := host.ChangeLevel("dunes", false, 0); err != nil {
		t.Fatalf("change level: %v", err)
	}
	host.MainLoop(time.Now())
	step(t, host, 1)
	host.MainLoop(time.Now())
	if err := host.StopDemoRecord(); err != nil {
		t.Fatalf("stop record: %v", err)
	}

	player := newTestCoordinator(t, testConfig(), Deps{World: newFakeWorld(), Demos: store})
	if err := player.StartDemoPlay("levels"); err != nil {
		t.Fatalf("start play: %v", err)
	}
	player.SetDemoSyncRate(demo.Stopped)
	for i := 0; i < 2; i++ {
		if err := player.StepDemo(); err != nil {
			t.Fatalf("step demo: %v", err)
		}
	}
	before := player.CurrentWorld()
	player.MainLoop(time.Now().Add(time.Hour))
	if after := player.CurrentWorld(); after != before || after != "arena" {
		t.Fatalf("expected stopped playback to stay on arena, got before=%s after=%s", before, after)
	}
	for i := 0; i < 10 && !player.IsDemoPlayFinished(); i++ {
		if err := player.StepDemo(); err != nil {
			t.Fatalf("step demo: %v", err)
		}
	}
	if player.CurrentWorld() != "dunes" {
		t.Fatalf("expected stepping to reach dunes, got %s", player.CurrentWorld())
	}
}

func TestDemoPlaybackRejectsIncompatibleVersion(t *testing.T) {
	store := demo.NewMemoryStore()
	host := newTestCoordinator(t, testConfig(), Deps{World: newFakeWorld(), Demos: store})
	hostArena(t, host, HostOptions{MaxPlayers: 1})
	if err := host.StartDemoRecord("old"); err != nil {
		t.Fatalf("start record: %v", err)
	}
	step(t, host, 1)
	host.StopDemoRecord()

	cfg := testConfig()
	cfg.Version = consistency.Version{Major: 2, Minor: 0}
	player := newTestCoordinator(t, cfg, Deps{World: newFakeWorld(), Demos: store})
	if err := player.StartDemoPlay("old"); !errors.Is(err, demo.ErrIncompatibleDemoVersion) {
		t.Fatalf("expected incompatible demo, got %v", err)
	}
	if player.IsPlayingDemo() {
		t.Fatalf("expected no playback")
	}
}

func TestRecordRequiresSession(t *testing.T) {
	c := newTestCoordinator(t, testConfig(), Deps{World: newFakeWorld(), Demos: demo.NewMemoryStore()})
	if err := c.StartDemoRecord("x"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected not active, got %v", err)
	}
}

func TestSaveAndLoadRestoresSinglePlayerGame(t *testing.T) {
	store := demo.NewMemoryStore()
	world := newFakeWorld()
	c := newTestCoordinator(t, testConfig(), Deps{World: world, Demos: store})
	hostArena(t, c, HostOptions{MaxPlayers: 2})
	slot, err := c.AddPlayer(Character{Name: "ana"})
	if err != nil {
		t.Fatalf("add player: %v", err)
	}
	for i := 0; i < 3; i++ {
		c.QueueAction(slot, []byte("x"))
		step(t, c, 1)
	}
	saved := world.snapshot(t)
	if err := c.Save("slot1"); err != nil {
		t.Fatalf("save: %v", err)
	}

	c.QueueAction(slot, []byte("later"))
	step(t, c, 2)
	if err := c.Load("slot1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Tick() != 3 {
		t.Fatalf("expected tick 3 after load, got %d", c.Tick())
	}
	if got := world.snapshot(t); got.Sum != saved.Sum || got.Seq != saved.Seq {
		t.Fatalf("expected restored state %+v, got %+v", saved, got)
	}
	locals := c.LocalPlayers()
	if len(locals) != 1 || locals[0].Slot != slot.Slot {
		t.Fatalf("expected restored local player, got %+v", locals)
	}
	if err := c.QueueAction(locals[0], []byte("y")); err != nil {
		t.Fatalf("expected restored player to act: %v", err)
	}
	step(t, c, 1)
	if c.Tick() != 4 {
		t.Fatalf("expected ticking to resume, got %d", c.Tick())
	}
}

func TestRealTimeFactorIgnoredInMultiplayer(t *testing.T) {
	p := joinPair(t, nil)
	p.host.SetRealTimeFactor(2)
	if p.host.RealTimeFactor() != 1 {
		t.Fatalf("expected factor to stay 1, got %v", p.host.RealTimeFactor())
	}

	single := newTestCoordinator(t, testConfig(), Deps{World: newFakeWorld()})
	hostArena(t, single, HostOptions{MaxPlayers: 1})
	single.SetRealTimeFactor(2)
	if single.RealTimeFactor() != 2 || single.Driver().Speed() != 2 {
		t.Fatalf("expected factor 2, got %v", single.RealTimeFactor())
	}
}
