package zkmux

import (
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// EngineID identifies an Engine tracked by a Manager.
type EngineID uint64

// Manager spawns and tracks Connection Engines, binding each to an optional
// set of external liveness tokens ("monitors") and tearing the connection
// down when any bound monitor becomes invalid (spec.md §4.7). Like Engine,
// it has a single serialization point (run()) so its connection table
// needs no lock.
type Manager struct {
	defaults []ServerAddr
	opts     EngineOptions

	cmdCh   chan managerCmd
	deathCh chan monitorDeath
	doneCh  chan struct{}

	nextID uint64
}

type connEntry struct {
	id      EngineID
	engine  *Engine
	cancels []func() // stop the forwarder goroutines watching this engine's monitors
}

// Monitor is an external liveness token: a channel that is closed when the
// identity it represents dies. This is the idiomatic Go analogue of the
// source's message-passing death-watch primitive (SPEC_FULL.md §4.7).
type Monitor <-chan struct{}

type monitorDeath struct {
	id EngineID
}

type managerCmd struct {
	kind     int
	servers  []ServerAddr
	monitors []Monitor
	id       EngineID
	reason   string
	reply    chan managerReply
}

type managerReply struct {
	id  EngineID
	err error
}

const (
	cmdStart = iota
	cmdEnd
	cmdAddMonitors
	cmdShutdown
)

// NewManager creates a Manager with the given default server list, used by
// StartConnection calls that don't supply their own.
func NewManager(defaults []ServerAddr, opts EngineOptions) *Manager {
	m := &Manager{
		defaults: defaults,
		opts:     opts,
		cmdCh:    make(chan managerCmd, 16),
		deathCh:  make(chan monitorDeath, 16),
		doneCh:   make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Manager) run() {
	entries := make(map[EngineID]*connEntry)

	for {
		select {
		case cmd := <-m.cmdCh:
			switch cmd.kind {
			case cmdStart:
				servers := cmd.servers
				if len(servers) == 0 {
					servers = m.defaults
				}
				engine, err := StartEngine(servers, m.opts)
				if err != nil {
					cmd.reply <- managerReply{err: err}
					continue
				}
				id := EngineID(atomic.AddUint64(&m.nextID, 1))
				engine.onDeath = func(reason string) {
					log.Info().Uint64("engine_id", uint64(id)).Str("reason", reason).
						Msg("zkmux: manager observed engine death")
				}
				entry := &connEntry{id: id, engine: engine}
				entry.cancels = m.watchMonitors(id, cmd.monitors)
				entries[id] = entry
				cmd.reply <- managerReply{id: id}

			case cmdEnd:
				if entry, ok := entries[cmd.id]; ok {
					for _, cancel := range entry.cancels {
						cancel()
					}
					entry.engine.Die(cmd.reason)
					delete(entries, cmd.id)
				}
				if cmd.reply != nil {
					cmd.reply <- managerReply{}
				}

			case cmdAddMonitors:
				if entry, ok := entries[cmd.id]; ok {
					entry.cancels = append(entry.cancels, m.watchMonitors(cmd.id, cmd.monitors)...)
				}
				if cmd.reply != nil {
					cmd.reply <- managerReply{}
				}

			case cmdShutdown:
				for id, entry := range entries {
					for _, cancel := range entry.cancels {
						cancel()
					}
					entry.engine.Die("manager shutdown")
					delete(entries, id)
				}
				close(m.doneCh)
				return
			}

		case d := <-m.deathCh:
			if entry, ok := entries[d.id]; ok {
				delete(entries, d.id)
				// Must not block the Manager's own loop (spec.md §4.7).
				go entry.engine.Die("essential process died")
			}
		}
	}
}

// watchMonitors spawns one forwarder goroutine per live monitor that
// reports id's death to the Manager's loop when the monitor channel
// closes. It returns cancel functions the Manager uses to stop forwarding
// once the engine is already gone.
func (m *Manager) watchMonitors(id EngineID, monitors []Monitor) []func() {
	cancels := make([]func(), 0, len(monitors))
	for _, mon := range monitors {
		stop := make(chan struct{})
		go func(mon Monitor) {
			select {
			case <-mon:
				select {
				case m.deathCh <- monitorDeath{id: id}:
				case <-stop:
				case <-m.doneCh:
				}
			case <-stop:
			case <-m.doneCh:
			}
		}(mon)
		cancels = append(cancels, func() { close(stop) })
	}
	return cancels
}

// StartConnection spawns an Engine using servers (or the Manager's
// defaults if nil), registers a death-watch on each live monitor, and
// returns its EngineID (spec.md §4.7).
func (m *Manager) StartConnection(servers []ServerAddr, monitors []Monitor) (EngineID, error) {
	reply := make(chan managerReply, 1)
	m.cmdCh <- managerCmd{kind: cmdStart, servers: servers, monitors: monitors, reply: reply}
	r := <-reply
	return r.id, r.err
}

// EndConnection invokes Die(reason) on the named engine and removes its
// association (spec.md §4.7).
func (m *Manager) EndConnection(id EngineID, reason string) {
	reply := make(chan managerReply, 1)
	m.cmdCh <- managerCmd{kind: cmdEnd, id: id, reason: reason, reply: reply}
	<-reply
}

// AddMonitors installs additional death-watches attributed to id
// (spec.md §4.7).
func (m *Manager) AddMonitors(id EngineID, monitors []Monitor) {
	reply := make(chan managerReply, 1)
	m.cmdCh <- managerCmd{kind: cmdAddMonitors, id: id, monitors: monitors, reply: reply}
	<-reply
}

// Shutdown tears down every tracked Engine (spec.md §4.7).
func (m *Manager) Shutdown() {
	select {
	case m.cmdCh <- managerCmd{kind: cmdShutdown}:
		<-m.doneCh
	case <-m.doneCh:
	}
}
