// Package coordinator runs the lifecycle of a lockstep session: discovery,
// hosting and joining, the authoritative tick, pause, level changes, demos
// and late-join state transfer.
package coordinator

import (
	"context"
	"sync"
	"time"

	"lockstep/server/internal/consistency"
	"lockstep/server/internal/demo"
	"lockstep/server/internal/net/proto"
	"lockstep/server/internal/netgraph"
	"lockstep/server/internal/session"
	"lockstep/server/internal/telemetry"
	"lockstep/server/internal/tick"
	"lockstep/server/logging"
)

const (
	MaxLocalPlayers = 4
	MaxPlayers      = 16
	PropertiesSize  = 2048

	// waitMessageDelay is the poll interval of blocking handshakes.
	waitMessageDelay = 50 * time.Millisecond

	defaultQuantum       = 50 * time.Millisecond
	defaultJoinTimeout   = 10 * time.Second
	defaultGatherTimeout = 30 * time.Second
)

// Dispatcher moves frames between peers. Delivery is not guaranteed.
type Dispatcher interface {
	Send(frame proto.Frame, to proto.Destination) error
	PollReceived() []proto.Frame
}

// Connector opens a client dispatcher to a host address.
type Connector interface {
	Connect(ctx context.Context, address string) (Dispatcher, error)
}

// Closer is implemented by dispatchers that own a connection.
type Closer interface {
	Close() error
}

// World is the simulation the coordinator drives.
type World interface {
	LoadWorld(id string) error
	ApplyActionFrame(frame proto.TickFrame) error
	SnapshotState() ([]byte, error)
	RestoreState(state []byte) error
}

// PlayerEntities is implemented by worlds that map player slots to entities.
type PlayerEntities interface {
	PlayerEntity(slot int) (string, bool)
}

// Config holds the engine identity and timing of a coordinator.
type Config struct {
	Version      consistency.Version
	Build        string
	DemoWindow   uint32
	Mod          string
	GameType     string
	ContentItems []string
	HostAddress  string

	Quantum       time.Duration
	ManualTicks   bool
	JoinTimeout   time.Duration
	GatherTimeout time.Duration
	NetGraphSize  int
	Stability     StabilityConfig
}

func (c Config) withDefaults() Config {
	if c.Build == "" {
		c.Build = c.Version.String()
	}
	if c.Quantum <= 0 {
		c.Quantum = defaultQuantum
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = defaultJoinTimeout
	}
	if c.GatherTimeout <= 0 {
		c.GatherTimeout = defaultGatherTimeout
	}
	if c.NetGraphSize <= 0 {
		c.NetGraphSize = netgraph.DefaultCapacity
	}
	c.Stability = c.Stability.withDefaults()
	return c
}

// Deps are the collaborators injected into a coordinator. Host is the
// dispatcher that accepted peers arrive on; it may be nil for single-machine
// play. Connector is used by JoinSession.
type Deps struct {
	Host       Dispatcher
	Connector  Connector
	World      World
	Hasher     consistency.Hasher
	Demos      demo.Store
	Codec      proto.Codec
	Enumerator *session.Enumerator
	Logger     telemetry.Logger
	Metrics    telemetry.Metrics
	Publisher  logging.Publisher
	Clock      logging.Clock
}

// PlayerSlot identifies a player added on this machine.
type PlayerSlot struct {
	Slot  int
	Local int
	Name  string
}

type peerState int

const (
	peerHandshake peerState = iota
	peerAdmitted
)

type peer struct {
	id           string
	state        peerState
	localPlayers int
	slots        []int
}

type levelRecord struct {
	level proto.Level
	state []byte
}

// Coordinator owns one session at a time. Methods are safe for concurrent
// use; the tick handler runs on the driver's worker while everything that
// touches disk or loads worlds runs from MainLoop or the caller.
type Coordinator struct {
	cfg       Config
	deps      Deps
	world     World
	codec     proto.Codec
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	publisher logging.Publisher
	clock     logging.Clock

	checker   *consistency.Checker
	demo      *demo.Channel
	graph     *netgraph.Graph
	driver    *tick.Driver
	stability *stabilityPolicy

	// mainMu serializes main-context operations (host, join, stop, level
	// change, save, load, demo control).
	mainMu sync.Mutex

	mu             sync.Mutex
	state          State
	role           Role
	sessionID      string
	sessionName    string
	hostAddress    string
	worldID        string
	maxPlayers     int
	waitForAll     bool
	spawnFlags     uint32
	properties     []byte
	defaultState   []byte
	fingerprint    consistency.Fingerprint
	dispatcher     Dispatcher
	ownsDispatcher bool
	tick           uint64
	players        [MaxPlayers]*proto.Player
	local          [MaxLocalPlayers]int
	peers          map[string]*peer
	actions        map[int][]byte
	pendingJoins   []proto.Player
	pendingLeaves  []int
	incoming       []proto.TickFrame
	stash          []proto.Frame
	control        []proto.Frame
	pendingLevel   *proto.Level
	history        []levelRecord
	paused         bool
	localPause     bool
	finished       bool
	disconnected   bool
	reason         string
	waitingServer  bool
	inBacklog      bool
	realTimeFactor float64
	requiredMod    string
	chatHandler    func(proto.Chat)
	addWaiters     map[int]chan proto.AddPlayer
	events         logging.Publisher
	levelUserData  int32
	demoReported   bool
}

// New constructs an idle coordinator.
func New(cfg Config, deps Deps) *Coordinator {
	cfg = cfg.withDefaults()
	if deps.Codec == nil {
		deps.Codec = proto.JSONCodec{}
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.Discard()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NopMetrics()
	}
	if deps.Publisher == nil {
		deps.Publisher = logging.NopPublisher()
	}
	if deps.Clock == nil {
		deps.Clock = logging.SystemClock{}
	}
	c := &Coordinator{
		cfg:            cfg,
		deps:           deps,
		world:          deps.World,
		codec:          deps.Codec,
		logger:         deps.Logger,
		metrics:        deps.Metrics,
		publisher:      deps.Publisher,
		clock:          deps.Clock,
		checker:        consistency.NewChecker(deps.Hasher, cfg.Build),
		graph:          netgraph.New(cfg.NetGraphSize),
		stability:      newStabilityPolicy(cfg.Stability),
		realTimeFactor: 1,
		peers:          make(map[string]*peer),
		actions:        make(map[int][]byte),
		addWaiters:     make(map[int]chan proto.AddPlayer),
	}
	c.demo = demo.NewChannel(deps.Demos, demo.Header{
		Major:  cfg.Version.Major,
		Minor:  cfg.Version.Minor,
		Window: cfg.DemoWindow,
	}, cfg.Quantum)
	driverQuantum := cfg.Quantum
	if cfg.ManualTicks {
		// Ticks come only from Driver().Fire.
		driverQuantum = 0
	}
	c.driver = tick.NewDriver(tick.Config{
		Quantum: driverQuantum,
		Clock:   deps.Clock,
		Logger:  deps.Logger,
		Metrics: deps.Metrics,
	}, c.onTick)
	c.resetLocked()
	return c
}

// Driver exposes the tick driver so callers that own time can fire ticks.
func (c *Coordinator) Driver() *tick.Driver {
	return c.driver
}

// resetLocked clears every per-session field. Callers hold c.mu or own c
// exclusively.
func (c *Coordinator) resetLocked() {
	c.state = StateIdle
	c.role = RoleNone
	c.sessionID = ""
	c.sessionName = ""
	c.hostAddress = ""
	c.worldID = ""
	c.maxPlayers = 0
	c.waitForAll = false
	c.spawnFlags = 0
	c.properties = nil
	c.defaultState = nil
	c.fingerprint = consistency.Fingerprint{}
	c.dispatcher = nil
	c.ownsDispatcher = false
	c.tick = 0
	c.players = [MaxPlayers]*proto.Player{}
	for i := range c.local {
		c.local[i] = -1
	}
	c.peers = make(map[string]*peer)
	c.actions = make(map[int][]byte)
	c.pendingJoins = nil
	c.pendingLeaves = nil
	c.incoming = nil
	c.stash = nil
	c.control = nil
	c.pendingLevel = nil
	c.history = nil
	c.paused = false
	c.localPause = false
	c.finished = false
	c.waitingServer = false
	c.inBacklog = false
	c.events = c.publisher
	c.realTimeFactor = 1
	c.levelUserData = 0
	c.demoReported = false
	for local, waiter := range c.addWaiters {
		close(waiter)
		delete(c.addWaiters, local)
	}
}

// State reports the lifecycle state. An idle coordinator with a discovery
// pass in flight reports StateEnumerating.
func (c *Coordinator) State() State {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == StateIdle && c.deps.Enumerator != nil && c.deps.Enumerator.Running() {
		return StateEnumerating
	}
	return state
}

func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// EnumerateSessions starts a discovery pass, replacing any pass in flight.
func (c *Coordinator) EnumerateSessions(scanInternet bool) {
	if c.deps.Enumerator == nil {
		return
	}
	c.deps.Enumerator.Start(scanInternet)
}

// Sessions returns the sessions found by the last completed pass.
func (c *Coordinator) Sessions() []session.Descriptor {
	if c.deps.Enumerator == nil {
		return nil
	}
	return c.deps.Enumerator.Sessions()
}

// EnumerationProgress reports discovery progress in [0,1] and a status line.
func (c *Coordinator) EnumerationProgress() (float64, string) {
	if c.deps.Enumerator == nil {
		return 1, ""
	}
	return c.deps.Enumerator.Progress()
}

// SessionsChanged reports and clears the discovery change flag.
func (c *Coordinator) SessionsChanged() bool {
	if c.deps.Enumerator == nil {
		return false
	}
	return c.deps.Enumerator.ConsumeChange()
}

// IsConnectionStable reports whether recent ticks stayed within the
// stability limits.
func (c *Coordinator) IsConnectionStable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role != RoleClient {
		return !c.disconnected
	}
	return !c.disconnected && c.stability.stable(c.graph)
}

func (c *Coordinator) IsDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *Coordinator) WhyDisconnected() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// IsWaitingForPlayers reports a host holding ticks until the session fills.
func (c *Coordinator) IsWaitingForPlayers() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitingForPlayersLocked()
}

func (c *Coordinator) waitingForPlayersLocked() bool {
	return c.role == RoleServer && c.waitForAll && c.playerCountLocked() < c.maxPlayers
}

// IsWaitingForServer reports a client whose last tick brought no frame.
func (c *Coordinator) IsWaitingForServer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role == RoleClient && c.waitingServer
}

func (c *Coordinator) IsGameFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// SetGameFinished marks the game as over; the flag clears with the session.
func (c *Coordinator) SetGameFinished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = true
}

func (c *Coordinator) RealTimeFactor() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.realTimeFactor
}

// SetRealTimeFactor scales the tick period. Only single-machine sessions
// may change speed.
func (c *Coordinator) SetRealTimeFactor(factor float64) {
	if factor <= 0 {
		return
	}
	c.mu.Lock()
	if c.multiplayerLocked() {
		c.mu.Unlock()
		c.logger.Printf("[session] ignoring real-time factor %.2f in multiplayer", factor)
		return
	}
	c.realTimeFactor = factor
	c.mu.Unlock()
	c.driver.SetSpeed(factor)
}

// NetGraph returns the diagnostic ring.
func (c *Coordinator) NetGraph() *netgraph.Graph {
	return c.graph
}

// IsNetworkEnabled reports whether the session exchanges frames with other
// machines.
func (c *Coordinator) IsNetworkEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.role {
	case RoleClient:
		return true
	case RoleServer:
		return c.dispatcher != nil && c.maxPlayers > 1
	default:
		return false
	}
}

// HostName returns the session name and host address.
func (c *Coordinator) HostName() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionName, c.hostAddress
}

// NetworkGameTime is the simulated time of the last applied tick.
func (c *Coordinator) NetworkGameTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.tick) * c.cfg.Quantum
}

// Tick returns the last applied tick.
func (c *Coordinator) Tick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tick
}

// SessionProperties returns a copy of the session property buffer.
func (c *Coordinator) SessionProperties() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.properties...)
}

// DefaultState returns a copy of the session's baseline snapshot.
func (c *Coordinator) DefaultState() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.defaultState...)
}

func (c *Coordinator) CurrentWorld() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.worldID
}

// RequiredMod returns the advisory recorded by the last content mismatch.
func (c *Coordinator) RequiredMod() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requiredMod
}

// Fingerprint returns the fingerprint of the current session.
func (c *Coordinator) Fingerprint() consistency.Fingerprint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fingerprint.Clone()
}

func (c *Coordinator) multiplayerLocked() bool {
	if c.role == RoleClient {
		return true
	}
	if c.role != RoleServer {
		return false
	}
	for _, p := range c.peers {
		if p.state == peerAdmitted {
			return true
		}
	}
	return false
}

// setDisconnectedLocked records a mid-session failure. The first reason wins.
func (c *Coordinator) setDisconnectedLocked(reason string) bool {
	if c.disconnected {
		return false
	}
	c.disconnected = true
	c.reason = reason
	c.state = StateDisconnected
	return true
}

// sessionEvents returns the session-scoped publisher and actor reference.
func (c *Coordinator) sessionEvents() (logging.Publisher, logging.Ref) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events, logging.Ref{ID: c.sessionID, Kind: logging.RefKindSession}
}

func (c *Coordinator) ref(id string) logging.Ref {
	return logging.Ref{ID: id, Kind: logging.RefKindSession}
}

func (c *Coordinator) peerRef(id string) logging.Ref {
	return logging.Ref{ID: id, Kind: logging.RefKindPeer}
}

func (c *Coordinator) beginSessionLocked(id string) {
	c.sessionID = id
	c.events = logging.WithFields(c.publisher, map[string]any{"session": id})
	c.disconnected = false
	c.reason = ""
	c.requiredMod = ""
	c.stability.reset()
	c.graph.Reset()
}

// Describe returns the descriptor this machine advertises to browsers. It
// is empty unless a session is being hosted.
func (c *Coordinator) Describe() session.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role != RoleServer {
		return session.Descriptor{}
	}
	return session.Descriptor{
		Address:    c.hostAddress,
		Name:       c.sessionName,
		World:      c.worldID,
		Players:    c.reservedSlotsLocked(),
		MaxPlayers: c.maxPlayers,
		GameType:   c.cfg.GameType,
		Mod:        c.cfg.Mod,
		Version:    c.cfg.Version.String(),
	}
}
