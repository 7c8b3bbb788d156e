// Package outbox queues locally issued commands, assigns them epoch-
// scoped sequence numbers, and resends anything the server has not yet
// acknowledged. Commands that exhaust their retries are reported as
// failed, never silently dropped.
package outbox

import (
	"errors"
	"sync"
	"time"

	"skirmish/client/internal/proto"
)

// ErrCommandFailed marks a command that exhausted its retries or lost
// its target entity. Surfaced to the caller; non-fatal to the session.
var ErrCommandFailed = errors.New("outbox: command failed")

// Config tunes the resend schedule.
type Config struct {
	ResendTimeout time.Duration
	MaxRetries    int
}

// DefaultConfig resends after 500ms, five times, before giving up.
func DefaultConfig() Config {
	return Config{ResendTimeout: 500 * time.Millisecond, MaxRetries: 5}
}

// Entry is one in-flight command. ID is a stable handle assigned at
// submission and never reused or renumbered: sequence numbers are
// rewritten when an epoch boundary rebases the in-flight window, so
// anything that must name a command across a rebase names its ID.
type Entry struct {
	ID      uint64
	Seq     uint64
	Cmd     proto.Command
	Retries int
}

// Rebased records the renumbering of one in-flight command across an
// epoch boundary.
type Rebased struct {
	Old uint64
	New uint64
	Cmd proto.Command
}

type inflightEntry struct {
	id      uint64
	seq     uint64
	cmd     proto.Command
	sentAt  time.Time
	retries int
}

// Outbox is safe for concurrent use: the render timeline submits and
// cancels while the network timeline acks, rejects, and resends.
type Outbox struct {
	mu        sync.Mutex
	cfg       Config
	clock     func() time.Time
	nextID    uint64
	nextSeq   uint64
	lastAcked uint64
	inflight  []inflightEntry
}

// New builds an outbox; clock defaults to time.Now.
func New(cfg Config, clock func() time.Time) *Outbox {
	if cfg.ResendTimeout <= 0 {
		cfg.ResendTimeout = DefaultConfig().ResendTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if clock == nil {
		clock = time.Now
	}
	return &Outbox{cfg: cfg, clock: clock}
}

// Submit assigns the next id and sequence number and tracks the
// command, returning a copy of the new entry.
func (o *Outbox) Submit(cmd proto.Command) Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	o.nextSeq++
	entry := inflightEntry{
		id:     o.nextID,
		seq:    o.nextSeq,
		cmd:    cmd,
		sentAt: o.clock(),
	}
	o.inflight = append(o.inflight, entry)
	return exportEntry(entry)
}

// BindEntity fills in the server id the command id targets once the
// submitting ref has been resolved on the message path. Resends reuse
// the bound command.
func (o *Outbox) BindEntity(id uint64, serverID uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.inflight {
		if o.inflight[i].id == id {
			o.inflight[i].cmd.ServerID = serverID
			return true
		}
	}
	return false
}

// EntryByID returns a copy of the in-flight entry with the given id.
// The id keeps naming the same command after a rebase renumbers its
// sequence.
func (o *Outbox) EntryByID(id uint64) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.inflight {
		if o.inflight[i].id == id {
			return exportEntry(o.inflight[i]), true
		}
	}
	return Entry{}, false
}

// Ack removes every entry with sequence at or below seq (cumulative
// acknowledgment). The second result reports a regression: the server
// acknowledged something older than it already had.
func (o *Outbox) Ack(seq uint64) (acked []Entry, regressed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if seq < o.lastAcked {
		return nil, true
	}
	o.lastAcked = seq
	kept := o.inflight[:0]
	for _, entry := range o.inflight {
		if entry.seq <= seq {
			acked = append(acked, exportEntry(entry))
			continue
		}
		kept = append(kept, entry)
	}
	o.inflight = kept
	return acked, false
}

// Reject removes exactly the named entry.
func (o *Outbox) Reject(seq uint64) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.removeLocked(seq)
}

// Cancel removes the named entry synchronously; the command will never
// be resent afterwards. The removed entry is returned so the caller can
// roll back its prediction by id.
func (o *Outbox) Cancel(seq uint64) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.removeLocked(seq)
}

// Fail removes the named entries (e.g. commands whose target entity did
// not survive a resync) and returns them for failure reporting.
func (o *Outbox) Fail(seqs []uint64) []Entry {
	if len(seqs) == 0 {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	var failed []Entry
	for _, seq := range seqs {
		if entry, ok := o.removeLocked(seq); ok {
			failed = append(failed, entry)
		}
	}
	return failed
}

// Due returns the entries whose resend timeout elapsed, bumping their
// retry counts and restamping them. Entries past MaxRetries are removed
// and returned as failed instead.
func (o *Outbox) Due(now time.Time) (resend []Entry, failed []Entry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	kept := o.inflight[:0]
	for i := range o.inflight {
		entry := o.inflight[i]
		if now.Before(entry.sentAt.Add(o.cfg.ResendTimeout)) {
			kept = append(kept, entry)
			continue
		}
		if entry.retries >= o.cfg.MaxRetries {
			failed = append(failed, exportEntry(entry))
			continue
		}
		entry.retries++
		entry.sentAt = now
		resend = append(resend, exportEntry(entry))
		kept = append(kept, entry)
	}
	o.inflight = kept
	return resend, failed
}

// Rebase renumbers every in-flight command from 1 for a new epoch,
// preserving submission order and resetting retry budgets. The caller
// resends everything returned and remaps its predicted mutations.
func (o *Outbox) Rebase() []Rebased {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastAcked = 0
	o.nextSeq = uint64(len(o.inflight))
	if len(o.inflight) == 0 {
		return nil
	}
	remaps := make([]Rebased, 0, len(o.inflight))
	now := o.clock()
	for i := range o.inflight {
		newSeq := uint64(i + 1)
		remaps = append(remaps, Rebased{Old: o.inflight[i].seq, New: newSeq, Cmd: o.inflight[i].cmd})
		o.inflight[i].seq = newSeq
		o.inflight[i].retries = 0
		o.inflight[i].sentAt = now
	}
	return remaps
}

// InFlight reports the number of unacknowledged commands.
func (o *Outbox) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

// LastAcked reports the highest acknowledged sequence this epoch.
func (o *Outbox) LastAcked() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastAcked
}

func (o *Outbox) removeLocked(seq uint64) (Entry, bool) {
	for i := range o.inflight {
		if o.inflight[i].seq != seq {
			continue
		}
		removed := exportEntry(o.inflight[i])
		o.inflight = append(o.inflight[:i], o.inflight[i+1:]...)
		return removed, true
	}
	return Entry{}, false
}

func exportEntry(entry inflightEntry) Entry {
	return Entry{ID: entry.id, Seq: entry.seq, Cmd: entry.cmd, Retries: entry.retries}
}
