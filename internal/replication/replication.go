// Package replication implements the replication engine (spec §4.6, C7):
// the five-phase state machine that pulls a single namespace from a
// single remote, verifies what it fetched, and installs it atomically.
//
// Grounded on kernel/core/mesh/mesh_coordinator.go's MeshCoordinator: its
// per-peer CircuitBreaker (suspect-marking with half-open recovery) is
// adapted here to spec §7's "mark the remote suspect" policy, and its
// single orchestrating method per operation becomes the five explicit
// phases below, each its own suspension point (spec §9, "coroutine
// control flow").
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/radicle-works/link/internal/keystore"
	"github.com/radicle-works/link/internal/objstore"
	"github.com/radicle-works/link/internal/refdb"
	"github.com/radicle-works/link/internal/refspec"
	"github.com/radicle-works/link/internal/rerror"
	"github.com/radicle-works/link/internal/signedrefs"
	"github.com/radicle-works/link/internal/tracking"
	"github.com/radicle-works/link/internal/urn"
	"github.com/radicle-works/link/internal/verify"
)

// Phase names one state of the round state machine (spec §4.6):
// Idle → Advertising → AwaitingSignedRefs → Planning → Fetching →
// Verifying → {Committed | RolledBack} → Idle.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseAdvertising        Phase = "advertising"
	PhaseAwaitingSignedRefs Phase = "awaiting_signed_refs"
	PhasePlanning           Phase = "planning"
	PhaseFetching           Phase = "fetching"
	PhaseVerifying          Phase = "verifying"
	PhaseCommitted          Phase = "committed"
	PhaseRolledBack         Phase = "rolled_back"
)

// Advertisement is what a remote returns from its advertise operation:
// the ref paths it owns in a namespace, including rad/ids/* symref
// targets into its certifier namespaces (spec §4.6 step 1).
type Advertisement struct {
	Paths []refdb.Path
}

// RefTarget is one concrete ref update a Fetch resolved: a namespace,
// path, and the object it now points at.
type RefTarget struct {
	Namespace urn.URN
	Path      refdb.Path
	Object    objstore.ObjectID
}

// FetchResult is a negotiated packfile plus the concrete ref targets it
// backs, already matched against the refspecs that were sent (spec §4.6
// step 4: "negotiate a packfile under no namespace restriction").
type FetchResult struct {
	Objects [][]byte
	Targets []RefTarget
}

// Remote is the replication engine's view of a single peer: the
// transport- and protocol-level operations a round drives (spec §6,
// "Transport (consumed)" generalized to the replication wire protocol
// built on top of it).
type Remote interface {
	PeerID() keystore.PeerID
	Advertise(ctx context.Context, ns urn.URN) (Advertisement, error)
	SignedRefs(ctx context.Context, ns urn.URN) (signedrefs.Manifest, error)
	RelayedSignedRefs(ctx context.Context, ns urn.URN, peer keystore.PeerID) (signedrefs.Manifest, error)
	Fetch(ctx context.Context, specs []refspec.Spec) (FetchResult, error)
}

// Outcome reports how a round ended.
type Outcome struct {
	Namespace urn.URN
	Remote    keystore.PeerID
	RoundID   string
	Phase     Phase
	Committed bool
}

// CircuitBreakerConfig tunes per-remote suspect tracking.
type CircuitBreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	HalfOpenMax      int
}

// DefaultCircuitBreakerConfig mirrors the teacher's production defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second, HalfOpenMax: 3}
}

// Config tunes an Engine.
type Config struct {
	PhaseTimeout   time.Duration
	TrackingDepth  int
	VerifyPoolSize int
	CircuitBreaker CircuitBreakerConfig
}

// DefaultConfig returns reasonable defaults for Config.
func DefaultConfig() Config {
	return Config{
		PhaseTimeout:   30 * time.Second,
		TrackingDepth:  tracking.DefaultDepth,
		VerifyPoolSize: 4,
		CircuitBreaker: DefaultCircuitBreakerConfig(),
	}
}

// BreakerState is one of a circuit breaker's three states.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

// circuitBreaker tracks one remote's recent round outcomes, adapted from
// mesh_coordinator.go's CircuitBreaker to spec §7's suspect policy:
// failures past the threshold open the breaker; it half-opens after
// resetTimeout to probe recovery, and closes again after enough
// consecutive successes.
type circuitBreaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
	cfg         CircuitBreakerConfig
}

func newCircuitBreaker(cfg CircuitBreakerConfig) *circuitBreaker {
	return &circuitBreaker{cfg: cfg}
}

func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != BreakerOpen {
		return true
	}
	if time.Since(cb.lastFailure) <= cb.cfg.ResetTimeout {
		return false
	}
	cb.state = BreakerHalfOpen
	cb.failures, cb.successes = 0, 0
	return true
}

func (cb *circuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case BreakerClosed:
		if success {
			cb.successes++
			if cb.successes >= 3 {
				cb.failures = 0
			}
			return
		}
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.state = BreakerOpen
			cb.lastFailure = time.Now()
		}
	case BreakerHalfOpen:
		if success {
			cb.successes++
			if cb.successes >= cb.cfg.HalfOpenMax {
				cb.state = BreakerClosed
			}
			return
		}
		cb.state = BreakerOpen
		cb.lastFailure = time.Now()
	case BreakerOpen:
		// allow() always moves a caller out of Open before record is
		// reached; nothing to do here.
	}
}

// Metrics is the Prometheus instrumentation surface for an Engine.
type Metrics struct {
	roundsTotal   *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
}

// NewMetrics builds a Metrics and, if reg is non-nil, registers it.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		roundsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radlink",
			Subsystem: "replication",
			Name:      "rounds_total",
			Help:      "Replication rounds by terminal outcome.",
		}, []string{"outcome"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "radlink",
			Subsystem: "replication",
			Name:      "phase_duration_seconds",
			Help:      "Replication phase durations.",
		}, []string{"phase"}),
	}
	if reg != nil {
		reg.MustRegister(m.roundsTotal, m.phaseDuration)
	}
	return m
}

func (m *Metrics) observe(phase Phase, start time.Time) {
	m.phaseDuration.WithLabelValues(string(phase)).Observe(time.Since(start).Seconds())
}

// Engine drives replication rounds against a refdb and object store,
// gating concurrent rounds per namespace and tracking suspect remotes.
type Engine struct {
	refs           *refdb.DB
	objects        objstore.Store
	trackingConfig *tracking.Config
	trackingGraph  *tracking.Graph
	verifier       *verify.Verifier
	cfg            Config
	metrics        *Metrics
	logger         *slog.Logger

	sf singleflight.Group

	breakersMu sync.Mutex
	breakers   map[string]*circuitBreaker
}

// New builds an Engine. A nil metrics or logger gets an inert default.
func New(refs *refdb.DB, objects objstore.Store, trackingConfig *tracking.Config, verifier *verify.Verifier, cfg Config, metrics *Metrics, logger *slog.Logger) *Engine {
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = 30 * time.Second
	}
	if cfg.TrackingDepth <= 0 {
		cfg.TrackingDepth = tracking.DefaultDepth
	}
	if cfg.VerifyPoolSize <= 0 {
		cfg.VerifyPoolSize = 4
	}
	if cfg.CircuitBreaker.FailureThreshold <= 0 {
		cfg.CircuitBreaker = DefaultCircuitBreakerConfig()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		refs:           refs,
		objects:        objects,
		trackingConfig: trackingConfig,
		trackingGraph:  tracking.New(refs, trackingConfig),
		verifier:       verifier,
		cfg:            cfg,
		metrics:        metrics,
		logger:         logger.With("component", "replication"),
		breakers:       make(map[string]*circuitBreaker),
	}
}

func (e *Engine) breakerFor(peer string) *circuitBreaker {
	e.breakersMu.Lock()
	defer e.breakersMu.Unlock()
	cb, ok := e.breakers[peer]
	if !ok {
		cb = newCircuitBreaker(e.cfg.CircuitBreaker)
		e.breakers[peer] = cb
	}
	return cb
}

// Track records an explicit tracking decision for peer in ns (spec §6,
// "track(urn, peer)").
func (e *Engine) Track(ns urn.URN, peer keystore.PeerID) { e.trackingConfig.Track(ns, peer) }

// Untrack removes peer from ns's explicit tracking set (spec §6,
// "untrack(urn, peer)").
func (e *Engine) Untrack(ns urn.URN, peer keystore.PeerID) { e.trackingConfig.Untrack(ns, peer) }

// ListPeers returns ns's transitive tracking closure (spec §6,
// "list_peers(urn)").
func (e *Engine) ListPeers(ns urn.URN) []keystore.PeerID {
	return e.trackingGraph.NewRound().Closure(ns, e.cfg.TrackingDepth)
}

// Verify runs the identity verifier directly, without a replication
// round (spec §6, "verify(urn) -> Verdict").
func (e *Engine) Verify(ctx context.Context, ns urn.URN) (verify.Result, error) {
	return e.verifier.Verify(ctx, ns)
}

// Replicate runs one replication round for ns against remote, or
// coalesces onto an already in-flight round for the same namespace (spec
// §5, "at most one replication round per URN runs at a time").
func (e *Engine) Replicate(ctx context.Context, ns urn.URN, remote Remote) (Outcome, error) {
	peer := remote.PeerID()
	cb := e.breakerFor(peer.String())
	if !cb.allow() {
		outcome := Outcome{Namespace: ns, Remote: peer, Phase: PhaseIdle}
		return outcome, rerror.New(rerror.KindTransport, "CIRCUIT_OPEN",
			fmt.Sprintf("remote %s is suspect, refusing round", peer))
	}

	key := ns.String()
	v, err, shared := e.sf.Do(key, func() (interface{}, error) {
		return e.runRound(ctx, ns, remote)
	})
	outcome, _ := v.(Outcome)
	if shared {
		e.logger.Debug("coalesced onto an in-flight round", "namespace", key)
	}

	if err != nil {
		if rerr, ok := err.(*rerror.Error); ok && suspectWorthy(rerr) {
			cb.record(false)
		}
		e.metrics.roundsTotal.WithLabelValues("failed").Inc()
		return outcome, err
	}
	cb.record(true)
	e.metrics.roundsTotal.WithLabelValues("committed").Inc()
	return outcome, nil
}

// suspectWorthy decides whether a round failure should count against the
// remote's circuit breaker (spec §7): Protocol and Transport failures
// always do, Timeout does (the remote didn't respond in time), and
// Verification failures do unless the fault was purely local (exceeding
// our own configured certifier depth bound is not the remote's fault).
func suspectWorthy(err *rerror.Error) bool {
	switch err.Kind {
	case rerror.KindProtocol, rerror.KindTransport, rerror.KindTimeout:
		return true
	case rerror.KindVerification:
		return err.Code != rerror.CodeCertifierDepth
	default:
		return false
	}
}

func (e *Engine) runRound(ctx context.Context, ns urn.URN, remote Remote) (Outcome, error) {
	roundID := uuid.NewString()
	peer := remote.PeerID()
	logger := e.logger.With("round_id", roundID, "namespace", ns.String(), "remote", peer.String())
	outcome := Outcome{Namespace: ns, Remote: peer, RoundID: roundID, Phase: PhaseAdvertising}

	advertised, err := e.phaseAdvertise(ctx, ns, remote)
	if err != nil {
		return e.rollback(outcome, PhaseAdvertising, err, logger)
	}

	outcome.Phase = PhaseAwaitingSignedRefs
	accepted, err := e.phaseAwaitSignedRefs(ctx, ns, remote, advertised)
	if err != nil {
		return e.rollback(outcome, PhaseAwaitingSignedRefs, err, logger)
	}

	outcome.Phase = PhasePlanning
	specs, certifiers, err := e.phasePlan(ns, peer, accepted)
	if err != nil {
		return e.rollback(outcome, PhasePlanning, err, logger)
	}

	outcome.Phase = PhaseFetching
	fetched, err := e.phaseFetch(ctx, ns, remote, specs, accepted)
	if err != nil {
		return e.rollback(outcome, PhaseFetching, err, logger)
	}

	outcome.Phase = PhaseVerifying
	if err := e.phaseVerifyAndCommit(ctx, ns, fetched, certifiers); err != nil {
		return e.rollback(outcome, PhaseVerifying, err, logger)
	}

	outcome.Phase = PhaseCommitted
	outcome.Committed = true
	logger.Info("round committed")
	return outcome, nil
}

func (e *Engine) rollback(outcome Outcome, phase Phase, err error, logger *slog.Logger) (Outcome, error) {
	outcome.Phase = PhaseRolledBack
	outcome.Committed = false
	logger.Warn("round rolled back", "failed_phase", string(phase), "error", err)
	return outcome, err
}

func (e *Engine) phaseTimeout(ctx context.Context, phase Phase, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return rerror.Timeout(string(phase), err)
	}
	if ctx.Err() != nil {
		return rerror.Cancelled(string(phase))
	}
	return err
}

func (e *Engine) phaseAdvertise(ctx context.Context, ns urn.URN, remote Remote) ([]refdb.Path, error) {
	start := time.Now()
	defer e.metrics.observe(PhaseAdvertising, start)

	pctx, cancel := context.WithTimeout(ctx, e.cfg.PhaseTimeout)
	defer cancel()
	adv, err := remote.Advertise(pctx, ns)
	if err != nil {
		return nil, e.phaseTimeout(pctx, PhaseAdvertising, rerror.Wrap(rerror.KindTransport, "ADVERTISE_FAILED", "advertise", err))
	}
	return adv.Paths, nil
}

// phaseAwaitSignedRefs fetches and validates the remote's signed-refs
// promise, and that of every peer the remote relays under remotes/,
// before anything is planned or fetched (spec §4.6 step 2: "fetch
// rad/signed_refs for R and every peer R publishes under remotes/, and
// discard any advertised ref absent from its owner's manifest"). A
// namespace with no rad/signed_refs at all surfaces signedrefs' own
// CodeNoSignedRefs error, satisfying step 1's "receipt of a bare rad/id
// without a matching rad/signed_refs fails the round with NoSignedRefs".
//
// advertised mixes two shapes: the remote's own raw paths (heads/main,
// rad/id, rad/ids/<urn>) and, for anything it relays, the same shapes
// mirrored under remotes/<peer>/. Each is checked against its owner's
// manifest, not the remote's: that would let the remote vouch for refs
// it merely forwards.
func (e *Engine) phaseAwaitSignedRefs(ctx context.Context, ns urn.URN, remote Remote, advertised []refdb.Path) ([]refdb.Path, error) {
	start := time.Now()
	defer e.metrics.observe(PhaseAwaitingSignedRefs, start)

	pctx, cancel := context.WithTimeout(ctx, e.cfg.PhaseTimeout)
	defer cancel()

	var owned []refdb.Path
	relayedRaw := make(map[string][]refdb.Path)
	for _, p := range advertised {
		if peer, ok := p.RemotePeer(); ok {
			rest := refdb.Path(strings.TrimPrefix(string(p), "remotes/"+peer+"/"))
			relayedRaw[peer] = append(relayedRaw[peer], rest)
			continue
		}
		owned = append(owned, p)
	}

	manifest, err := remote.SignedRefs(pctx, ns)
	if err != nil {
		return nil, e.phaseTimeout(pctx, PhaseAwaitingSignedRefs, err)
	}
	ok, err := manifest.Verify()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, rerror.New(rerror.KindVerification, rerror.CodeBadSignedRefsSig,
			fmt.Sprintf("signed-refs manifest for %s does not verify", ns))
	}
	accepted, _ := manifest.FilterUnsigned(owned)

	for _, peer := range refspec.DerivePeers(advertised) {
		peerManifest, err := remote.RelayedSignedRefs(pctx, ns, peer)
		if err != nil {
			return nil, e.phaseTimeout(pctx, PhaseAwaitingSignedRefs, err)
		}
		pok, err := peerManifest.Verify()
		if err != nil {
			return nil, err
		}
		if !pok || peerManifest.Signer.String() != peer.String() {
			return nil, rerror.New(rerror.KindVerification, rerror.CodeBadSignedRefsSig,
				fmt.Sprintf("relayed signed-refs manifest for peer %s under %s does not verify", peer, ns))
		}
		acceptedRaw, _ := peerManifest.FilterUnsigned(relayedRaw[peer.String()])
		for _, p := range acceptedRaw {
			accepted = append(accepted, refdb.RemotesPath(peer.String(), p))
		}
	}
	return accepted, nil
}

func (e *Engine) phasePlan(ns urn.URN, peer keystore.PeerID, accepted []refdb.Path) ([]refspec.Spec, []urn.URN, error) {
	start := time.Now()
	defer e.metrics.observe(PhasePlanning, start)

	certifiers := refspec.DeriveCertifiers(accepted)
	tracked := e.trackingGraph.NewRound().Closure(ns, e.cfg.TrackingDepth)
	if !containsPeer(tracked, peer) {
		tracked = append(append([]keystore.PeerID{}, tracked...), peer)
	}
	specs, err := refspec.Plan(ns, peer, tracked, certifiers)
	return specs, certifiers, err
}

func containsPeer(peers []keystore.PeerID, p keystore.PeerID) bool {
	for _, q := range peers {
		if q.String() == p.String() {
			return true
		}
	}
	return false
}

// phaseFetch negotiates the planned refspecs and installs the resulting
// targets, but only those backed by an accepted (signed) ref: accepted
// mixes the remote's own raw paths and relayed peers' paths re-prefixed
// under remotes/<peer>/ (see phaseAwaitSignedRefs), so every ns-scoped
// target is checked against its owner's promise before being committed
// (spec I3, §4.6 step 2 — an unsigned ref must never be installed even
// if it was fetched).
func (e *Engine) phaseFetch(ctx context.Context, ns urn.URN, remote Remote, specs []refspec.Spec, accepted []refdb.Path) (FetchResult, error) {
	start := time.Now()
	defer e.metrics.observe(PhaseFetching, start)

	pctx, cancel := context.WithTimeout(ctx, e.cfg.PhaseTimeout)
	defer cancel()
	result, err := remote.Fetch(pctx, specs)
	if err != nil {
		return FetchResult{}, e.phaseTimeout(pctx, PhaseFetching, err)
	}

	if len(result.Objects) > 0 {
		if _, err := e.objects.WritePack(ctx, result.Objects); err != nil {
			return FetchResult{}, err
		}
	}

	rawAccepted := make(map[string]struct{}, len(accepted))
	fullAccepted := make(map[string]struct{}, len(accepted))
	for _, p := range accepted {
		if _, ok := p.RemotePeer(); ok {
			fullAccepted[string(p)] = struct{}{}
		} else {
			rawAccepted[string(p)] = struct{}{}
		}
	}

	filtered := make([]RefTarget, 0, len(result.Targets))
	for _, t := range result.Targets {
		if !t.Namespace.Equal(ns) {
			filtered = append(filtered, t)
			continue
		}
		peer, ok := t.Path.RemotePeer()
		if !ok {
			continue
		}
		if peer == remote.PeerID().String() {
			raw := strings.TrimPrefix(string(t.Path), "remotes/"+peer+"/")
			if _, ok := rawAccepted[raw]; !ok {
				continue
			}
		} else if _, ok := fullAccepted[string(t.Path)]; !ok {
			continue
		}
		filtered = append(filtered, t)
	}
	result.Targets = filtered

	updates := make([]refdb.RefUpdate, 0, len(result.Targets))
	for _, t := range result.Targets {
		u := refdb.RefUpdate{Namespace: t.Namespace, Path: t.Path, New: t.Object}
		if old := e.refs.Resolve(t.Namespace, t.Path); old.Kind == refdb.ResolveObject {
			u.Old = old.Object
		}
		updates = append(updates, u)
	}
	if err := e.refs.Tx(ctx, updates); err != nil {
		return FetchResult{}, err
	}
	e.promoteCanonicalRadID(ctx, ns, remote.PeerID(), result.Targets)
	return result, nil
}

// promoteCanonicalRadID fast-forwards ns's own top-level rad/id to match
// the directly-fetched remote's mirrored copy, when this round touched
// it (spec §4.4 maps rad/id into remotes/<remote>/rad/id; §4.6 step 5
// then verifies "N" itself, which requires a canonical top-level rad/id
// to walk). This is a best-effort promotion in its own transaction,
// separate from the round's main ref installation: a namespace we
// already verified before keeps its existing tip if the remote's copy
// no longer fast-forwards from it, rather than failing the whole round
// over an optional convenience update.
func (e *Engine) promoteCanonicalRadID(ctx context.Context, ns urn.URN, remote keystore.PeerID, targets []RefTarget) {
	mirrorRadID := refdb.RemotesPath(remote.String(), "rad/id")
	for _, t := range targets {
		if !t.Namespace.Equal(ns) || t.Path != mirrorRadID {
			continue
		}
		update := refdb.RefUpdate{Namespace: ns, Path: refdb.RadID, New: t.Object}
		if old := e.refs.Resolve(ns, refdb.RadID); old.Kind == refdb.ResolveObject {
			if old.Object.String() == t.Object.String() {
				return
			}
			update.Old = old.Object
		}
		if err := e.refs.Tx(ctx, []refdb.RefUpdate{update}); err != nil {
			e.logger.Debug("did not promote mirrored rad/id to canonical, keeping existing tip",
				"namespace", ns.String(), "remote", remote.String(), "error", err)
		}
		return
	}
}

// phaseVerifyAndCommit runs the identity verifier on ns and on every
// certifier namespace the round touched, concurrently and bounded by
// VerifyPoolSize (spec §4.6 step 5, §5 "bounded worker pool for ...
// verification"). A successful verify of ns additionally maintains
// rad/self when ns's own heads/* is empty (we mirror this identity
// rather than own it): it is symlinked to the first current delegate's
// head we have a copy of (spec §9's rad/self, read together with the
// MissingSelf decision in internal/verify).
func (e *Engine) phaseVerifyAndCommit(ctx context.Context, ns urn.URN, fetched FetchResult, certifiers []urn.URN) error {
	start := time.Now()
	defer e.metrics.observe(PhaseVerifying, start)

	touched := make(map[string]urn.URN, len(fetched.Targets))
	for _, t := range fetched.Targets {
		if !t.Namespace.Equal(ns) {
			touched[t.Namespace.String()] = t.Namespace
		}
	}
	for _, c := range certifiers {
		touched[c.String()] = c
	}

	pctx, cancel := context.WithTimeout(ctx, e.cfg.PhaseTimeout)
	defer cancel()
	g, gctx := errgroup.WithContext(pctx)
	g.SetLimit(e.cfg.VerifyPoolSize)

	g.Go(func() error {
		res, err := e.verifier.Verify(gctx, ns)
		if err != nil {
			return err
		}
		return e.updateSelf(res)
	})
	for _, c := range touched {
		c := c
		g.Go(func() error {
			_, err := e.verifier.Verify(gctx, c)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return e.phaseTimeout(pctx, PhaseVerifying, err)
	}
	return nil
}

func (e *Engine) updateSelf(res verify.Result) error {
	if len(e.refs.List(res.Namespace, "heads/")) > 0 {
		return nil
	}
	for _, d := range res.Delegates {
		heads := e.refs.List(res.Namespace, refdb.RemotesPath(d.String(), "heads/"))
		if len(heads) == 0 {
			continue
		}
		return e.refs.Symlink(res.Namespace, refdb.RadSelf, res.Namespace, heads[0].Path)
	}
	return nil
}
