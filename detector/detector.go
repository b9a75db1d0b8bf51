// Package detector is the heartbeat-based failure detector: it pulses a
// liveness message to every peer, and proposes eviction through replob
// once a peer has been silent past a threshold (spec.md §4.4).
package detector

import (
	"sync"
	"time"

	logging "github.com/op/go-logging"

	"github.com/gridem/replob/journey"
	"github.com/gridem/replob/membership"
	"github.com/gridem/replob/metrics"
	"github.com/gridem/replob/replob"
	"github.com/gridem/replob/wire"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("detector")
}

const (
	pulseInterval    = 500 * time.Millisecond
	silenceThreshold = 3 * pulseInterval
)

// Detector owns the local heartbeat map and the pulse journey.
type Detector struct {
	self    membership.NodeId
	members *membership.NodesConfig
	bcast   *membership.Broadcaster
	replob  *replob.Replob
	sched   *journey.Scheduler
	metrics metrics.Sink

	onEvicted func(id membership.NodeId)

	mu       sync.Mutex
	lastBeat map[membership.NodeId]time.Time
	evicting map[membership.NodeId]struct{}
}

// New builds a detector. onEvicted is called (from inside the replob
// apply callback, per spec.md §4.4's numbered steps) once a RemoveNode
// command for a peer has applied locally; it is how chronos learns of a
// dead node without detector importing chronos directly.
func New(self membership.NodeId, members *membership.NodesConfig, bcast *membership.Broadcaster, r *replob.Replob, sink metrics.Sink, onEvicted func(id membership.NodeId)) *Detector {
	d := &Detector{
		self:      self,
		members:   members,
		bcast:     bcast,
		replob:    r,
		sched:     journey.NewScheduler("detector", 1),
		metrics:   sink,
		onEvicted: onEvicted,
		lastBeat:  make(map[membership.NodeId]time.Time),
		evicting:  make(map[membership.NodeId]struct{}),
	}
	r.RegisterHandler(wire.TagRemoveNode, d.applyRemoveNode)
	return d
}

// Start spawns the periodic pulse journey.
func (d *Detector) Start() {
	journey.Spawn(d.sched, "detector-pulse", d.pulseLoop)
}

func (d *Detector) pulseLoop(j *journey.Journey) {
	for {
		d.pulseOnce()
		time.Sleep(pulseInterval)
	}
}

func (d *Detector) pulseOnce() {
	payload, err := wire.EncodeMessage(wire.HeartbeatMessage{Source: d.self})
	if err != nil {
		logger.Errorf("encode heartbeat: %v", err)
		return
	}
	others := d.members.OtherNodes()
	if err := d.bcast.Broadcast(others, payload); err != nil {
		logger.Debugf("heartbeat broadcast: %v", err)
	}
	d.metrics.Inc("detector.pulses_sent", int64(len(others)), 1.0)

	d.scanForSilence()
}

// OnHeartbeat records a pulse received from a peer.
func (d *Detector) OnHeartbeat(msg wire.HeartbeatMessage) {
	d.mu.Lock()
	d.lastBeat[msg.Source] = time.Now()
	d.mu.Unlock()
}

// HandleMessage decodes an inbound detector wire message (wired from the
// transport listener alongside replob.HandleMessage).
func (d *Detector) HandleMessage(payload []byte) {
	msg, err := wire.DecodeMessage(payload)
	if err != nil {
		return
	}
	if hb, ok := msg.(wire.HeartbeatMessage); ok {
		d.OnHeartbeat(hb)
	}
}

func (d *Detector) scanForSilence() {
	now := time.Now()
	var silent []membership.NodeId

	d.mu.Lock()
	for _, id := range d.members.OtherNodes() {
		last, seen := d.lastBeat[id]
		if !seen {
			// never heard from it yet; give it one full threshold window
			// before treating silence as suspicious.
			d.lastBeat[id] = now
			continue
		}
		if now.Sub(last) <= silenceThreshold {
			continue
		}
		if _, already := d.evicting[id]; already {
			continue
		}
		d.evicting[id] = struct{}{}
		silent = append(silent, id)
	}
	d.mu.Unlock()

	for _, id := range silent {
		d.proposeEviction(id)
	}
}

// proposeEviction proposes RemoveNode for id. scanForSilence has already
// marked id in d.evicting, which keeps a peer mid-eviction from being
// proposed again (DESIGN.md's resolution of spec.md §9's
// erase-before-vs-after-apply question); the heartbeat entry itself is
// erased only when the command applies, in applyRemoveNode.
func (d *Detector) proposeEviction(id membership.NodeId) {
	logger.Warningf("peer %d silent past threshold, proposing eviction", id)
	d.replob.Apply(wire.RemoveNodeCommand{Node: id})
	d.metrics.Inc("detector.evictions_proposed", 1, 1.0)
}

// applyRemoveNode is the replob-registered handler for RemoveNodeCommand
// (spec.md §4.4's four numbered effects).
func (d *Detector) applyRemoveNode(cmd wire.AppCommand) {
	rn := cmd.(wire.RemoveNodeCommand)

	d.mu.Lock()
	delete(d.lastBeat, rn.Node)
	delete(d.evicting, rn.Node)
	d.mu.Unlock()

	d.members.RemoveNode(rn.Node)
	d.bcast.RemovePeer(rn.Node)

	// Rescheduling from inside an applied command is forbidden (the
	// applier is synchronous, spec.md §4.4); the notification to chronos
	// happens via a plain function call, and any follow-up journey it
	// needs to spawn is chronos's own responsibility, not the detector's.
	if d.onEvicted != nil {
		d.onEvicted(rn.Node)
	}
	d.metrics.Inc("detector.peers_evicted", 1, 1.0)
}
