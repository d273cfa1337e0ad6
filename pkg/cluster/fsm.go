package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	hraft "github.com/hashicorp/raft"

	"flowmesh/storage"
)

// Key layout of the replica store.
const (
	prefixMember  = "coord/member/"
	prefixLock    = "coord/lock/"
	prefixLeader  = "coord/leader/"
	prefixCounter = "coord/counter/"
	keyFenceSeq   = "coord/seq/fence"
	keyEpochSeq   = "coord/seq/epoch"

	// DataPrefix scopes every key written through KV_WRITE.
	DataPrefix = "data/"
)

// FSMOptions tunes the state machine.
type FSMOptions struct {
	// EventTTL suppresses delivery of events older than this at apply time,
	// which happens when a restarted node replays its log. Zero delivers everything.
	EventTTL time.Duration
	Logger   hclog.Logger
}

// FSM implements hashicorp/raft.FSM and applies replicated coordination commands
// onto the node-local storage.
type FSM struct {
	st     storage.Storage
	opts   FSMOptions
	logger hclog.Logger

	mu      sync.Mutex
	applied uint64
	notify  chan struct{}

	obsMu     sync.RWMutex
	observers map[uint64]func(Event)
	nextObs   uint64
}

// NewFSM constructs the storage-backed FSM.
func NewFSM(st storage.Storage, opts FSMOptions) *FSM {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &FSM{
		st:        st,
		opts:      opts,
		logger:    logger.Named("fsm"),
		notify:    make(chan struct{}),
		observers: make(map[uint64]func(Event)),
	}
}

// Apply implements hraft.FSM.
func (f *FSM) Apply(l *hraft.Log) interface{} {
	return f.apply(l.Index, l.Data)
}

func (f *FSM) apply(index uint64, data []byte) interface{} {
	defer f.advance(index)

	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("fsm decode: %w", err)
	}

	res, ev, err := f.dispatch(context.Background(), cmd)
	if err != nil {
		f.logger.Warn("command rejected", "type", cmd.Type, "issuer", cmd.Issuer, "index", index, "error", err)
		return err
	}
	res.Index = index
	if ev != nil {
		ev.Index = index
		f.deliver(*ev)
	}
	return res
}

func (f *FSM) dispatch(ctx context.Context, cmd Command) (Result, *Event, error) {
	switch cmd.Type {
	case CmdMemberJoin:
		res, err := f.memberJoin(ctx, cmd)
		return res, nil, err
	case CmdMemberHeartbeat:
		res, err := f.memberHeartbeat(ctx, cmd)
		return res, nil, err
	case CmdMemberLeave:
		res, err := f.memberLeave(ctx, cmd)
		return res, nil, err
	case CmdMemberExpire:
		res, err := f.memberExpire(ctx, cmd)
		return res, nil, err
	case CmdLockAcquire:
		res, err := f.lockAcquire(ctx, cmd)
		return res, nil, err
	case CmdLockRefresh:
		res, err := f.lockRefresh(ctx, cmd)
		return res, nil, err
	case CmdLockRelease:
		res, err := f.lockRelease(ctx, cmd)
		return res, nil, err
	case CmdLeaderClaim:
		res, err := f.leaderClaim(ctx, cmd)
		return res, nil, err
	case CmdLeaderRenew:
		res, err := f.leaderRenew(ctx, cmd)
		return res, nil, err
	case CmdLeaderResign:
		res, err := f.leaderResign(ctx, cmd)
		return res, nil, err
	case CmdCounterAdd:
		res, err := f.counterAdd(ctx, cmd)
		return res, nil, err
	case CmdEventPublish:
		return f.eventPublish(cmd)
	case CmdKVWrite:
		res, err := f.kvWrite(ctx, cmd)
		return res, nil, err
	case CmdBarrier:
		return Result{OK: true}, nil, nil
	default:
		return Result{}, nil, fmt.Errorf("unknown command type: %s", cmd.Type)
	}
}

func decode[T any](cmd Command) (T, error) {
	var p T
	if len(cmd.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", cmd.Type, err)
	}
	return p, nil
}

// Membership

func (f *FSM) memberJoin(ctx context.Context, cmd Command) (Result, error) {
	p, err := decode[MemberPayload](cmd)
	if err != nil {
		return Result{}, err
	}
	m := p.Member
	if m.ID == "" {
		return Result{}, fmt.Errorf("member id required")
	}
	prev, ok, err := f.Member(ctx, m.ID)
	if err != nil {
		return Result{}, err
	}
	if ok {
		m.JoinedAt = prev.JoinedAt
	}
	if m.JoinedAt.IsZero() {
		m.JoinedAt = cmd.IssuedAt
	}
	m.LastSeen = cmd.IssuedAt
	m.Status = ""
	return Result{OK: true}, f.putJSON(ctx, prefixMember+m.ID, m)
}

func (f *FSM) memberHeartbeat(ctx context.Context, cmd Command) (Result, error) {
	m, ok, err := f.Member(ctx, cmd.Issuer)
	if err != nil || !ok {
		return Result{OK: false}, err
	}
	if cmd.IssuedAt.After(m.LastSeen) {
		m.LastSeen = cmd.IssuedAt
	}
	return Result{OK: true}, f.putJSON(ctx, prefixMember+m.ID, m)
}

func (f *FSM) memberLeave(ctx context.Context, cmd Command) (Result, error) {
	p, err := decode[MemberLeavePayload](cmd)
	if err != nil {
		return Result{}, err
	}
	id := p.ID
	if id == "" {
		id = cmd.Issuer
	}
	ok, err := f.removeMember(ctx, id)
	if err != nil || !ok {
		return Result{OK: false}, err
	}
	return Result{OK: true, IDs: []string{id}}, nil
}

func (f *FSM) memberExpire(ctx context.Context, cmd Command) (Result, error) {
	p, err := decode[MemberExpirePayload](cmd)
	if err != nil {
		return Result{}, err
	}
	if p.TTL <= 0 {
		return Result{}, fmt.Errorf("expire ttl must be positive")
	}
	members, err := f.Members(ctx)
	if err != nil {
		return Result{}, err
	}
	var removed []string
	for _, m := range members {
		if m.ID == cmd.Issuer || cmd.IssuedAt.Sub(m.LastSeen) <= p.TTL {
			continue
		}
		if _, err := f.removeMember(ctx, m.ID); err != nil {
			return Result{}, err
		}
		removed = append(removed, m.ID)
	}
	return Result{OK: true, IDs: removed}, nil
}

// removeMember deletes the member record and every lease it holds.
func (f *FSM) removeMember(ctx context.Context, id string) (bool, error) {
	_, ok, err := f.Member(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	deletes := []string{prefixMember + id}
	locks, err := f.Locks(ctx)
	if err != nil {
		return false, err
	}
	for _, l := range locks {
		if l.Holder == id {
			deletes = append(deletes, prefixLock+l.Name)
		}
	}
	leaders, err := f.Leaders(ctx)
	if err != nil {
		return false, err
	}
	for _, l := range leaders {
		if l.Holder == id {
			deletes = append(deletes, prefixLeader+l.Service)
		}
	}
	return true, f.st.Write(ctx, nil, deletes)
}

// Locks

func (f *FSM) lockAcquire(ctx context.Context, cmd Command) (Result, error) {
	p, err := decode[LockPayload](cmd)
	if err != nil {
		return Result{}, err
	}
	if p.Name == "" || p.Lease <= 0 {
		return Result{}, fmt.Errorf("lock name and positive lease required")
	}
	at := cmd.IssuedAt
	rec, ok, err := f.Lock(ctx, p.Name)
	if err != nil {
		return Result{}, err
	}
	if ok && rec.Holder != cmd.Issuer && rec.ExpiresAt.After(at) {
		return Result{OK: false, Holder: rec.Holder, Token: rec.Token, ExpiresAt: rec.ExpiresAt}, nil
	}
	if !ok || rec.Holder != cmd.Issuer || !rec.ExpiresAt.After(at) {
		tok, err := f.st.Increment(ctx, keyFenceSeq, 1)
		if err != nil {
			return Result{}, err
		}
		rec = LockRecord{Name: p.Name, Holder: cmd.Issuer, Token: uint64(tok), AcquiredAt: at}
	}
	rec.ExpiresAt = at.Add(p.Lease)
	if err := f.putJSON(ctx, prefixLock+p.Name, rec); err != nil {
		return Result{}, err
	}
	return Result{OK: true, Holder: rec.Holder, Token: rec.Token, ExpiresAt: rec.ExpiresAt}, nil
}

func (f *FSM) lockRefresh(ctx context.Context, cmd Command) (Result, error) {
	p, err := decode[LockPayload](cmd)
	if err != nil {
		return Result{}, err
	}
	rec, ok, err := f.Lock(ctx, p.Name)
	if err != nil {
		return Result{}, err
	}
	if !ok || rec.Holder != cmd.Issuer || rec.Token != p.Token {
		return Result{OK: false, Holder: rec.Holder, Token: rec.Token}, nil
	}
	rec.ExpiresAt = cmd.IssuedAt.Add(p.Lease)
	if err := f.putJSON(ctx, prefixLock+p.Name, rec); err != nil {
		return Result{}, err
	}
	return Result{OK: true, Holder: rec.Holder, Token: rec.Token, ExpiresAt: rec.ExpiresAt}, nil
}

func (f *FSM) lockRelease(ctx context.Context, cmd Command) (Result, error) {
	p, err := decode[LockPayload](cmd)
	if err != nil {
		return Result{}, err
	}
	rec, ok, err := f.Lock(ctx, p.Name)
	if err != nil {
		return Result{}, err
	}
	if !ok || rec.Holder != cmd.Issuer || (p.Token != 0 && p.Token != rec.Token) {
		return Result{OK: false, Holder: rec.Holder, Token: rec.Token}, nil
	}
	if _, err := f.st.Delete(ctx, prefixLock+p.Name); err != nil {
		return Result{}, err
	}
	return Result{OK: true, Token: rec.Token}, nil
}

// Leadership

func (f *FSM) leaderClaim(ctx context.Context, cmd Command) (Result, error) {
	p, err := decode[LeaderPayload](cmd)
	if err != nil {
		return Result{}, err
	}
	if p.Service == "" || p.Lease <= 0 {
		return Result{}, fmt.Errorf("service name and positive lease required")
	}
	at := cmd.IssuedAt
	rec, ok, err := f.Leader(ctx, p.Service)
	if err != nil {
		return Result{}, err
	}
	if ok && rec.Holder != cmd.Issuer && rec.ExpiresAt.After(at) {
		return Result{OK: false, Holder: rec.Holder, Token: rec.Epoch, ExpiresAt: rec.ExpiresAt}, nil
	}
	if !ok || rec.Holder != cmd.Issuer || !rec.ExpiresAt.After(at) {
		epoch, err := f.st.Increment(ctx, keyEpochSeq, 1)
		if err != nil {
			return Result{}, err
		}
		rec = LeaseRecord{Service: p.Service, Holder: cmd.Issuer, Epoch: uint64(epoch), ElectedAt: at}
	}
	rec.ExpiresAt = at.Add(p.Lease)
	if err := f.putJSON(ctx, prefixLeader+p.Service, rec); err != nil {
		return Result{}, err
	}
	return Result{OK: true, Holder: rec.Holder, Token: rec.Epoch, ExpiresAt: rec.ExpiresAt}, nil
}

func (f *FSM) leaderRenew(ctx context.Context, cmd Command) (Result, error) {
	p, err := decode[LeaderPayload](cmd)
	if err != nil {
		return Result{}, err
	}
	rec, ok, err := f.Leader(ctx, p.Service)
	if err != nil {
		return Result{}, err
	}
	if !ok || rec.Holder != cmd.Issuer || rec.Epoch != p.Epoch {
		return Result{OK: false, Holder: rec.Holder, Token: rec.Epoch, ExpiresAt: rec.ExpiresAt}, nil
	}
	rec.ExpiresAt = cmd.IssuedAt.Add(p.Lease)
	if err := f.putJSON(ctx, prefixLeader+p.Service, rec); err != nil {
		return Result{}, err
	}
	return Result{OK: true, Holder: rec.Holder, Token: rec.Epoch, ExpiresAt: rec.ExpiresAt}, nil
}

func (f *FSM) leaderResign(ctx context.Context, cmd Command) (Result, error) {
	p, err := decode[LeaderPayload](cmd)
	if err != nil {
		return Result{}, err
	}
	rec, ok, err := f.Leader(ctx, p.Service)
	if err != nil {
		return Result{}, err
	}
	if !ok || rec.Holder != cmd.Issuer || (p.Epoch != 0 && p.Epoch != rec.Epoch) {
		return Result{OK: false, Holder: rec.Holder, Token: rec.Epoch}, nil
	}
	if _, err := f.st.Delete(ctx, prefixLeader+p.Service); err != nil {
		return Result{}, err
	}
	return Result{OK: true, Token: rec.Epoch}, nil
}

// Counters, events, data

func (f *FSM) counterAdd(ctx context.Context, cmd Command) (Result, error) {
	p, err := decode[CounterPayload](cmd)
	if err != nil {
		return Result{}, err
	}
	if p.Name == "" {
		return Result{}, fmt.Errorf("counter name required")
	}
	v, err := f.st.Increment(ctx, prefixCounter+p.Name, p.Delta)
	if err != nil {
		return Result{}, err
	}
	return Result{OK: true, Value: v}, nil
}

func (f *FSM) eventPublish(cmd Command) (Result, *Event, error) {
	p, err := decode[EventPayload](cmd)
	if err != nil {
		return Result{}, nil, err
	}
	if p.Topic == "" {
		return Result{}, nil, fmt.Errorf("event topic required")
	}
	ev := &Event{
		ID:          p.ID,
		Topic:       p.Topic,
		Source:      cmd.Issuer,
		Payload:     p.Payload,
		PublishedAt: cmd.IssuedAt,
	}
	return Result{OK: true}, ev, nil
}

func (f *FSM) kvWrite(ctx context.Context, cmd Command) (Result, error) {
	p, err := decode[KVWritePayload](cmd)
	if err != nil {
		return Result{}, err
	}
	for k := range p.Puts {
		if !strings.HasPrefix(k, DataPrefix) {
			return Result{}, fmt.Errorf("key %q outside %s", k, DataPrefix)
		}
	}
	for _, k := range p.Deletes {
		if !strings.HasPrefix(k, DataPrefix) {
			return Result{}, fmt.Errorf("key %q outside %s", k, DataPrefix)
		}
	}
	if p.FenceLock != "" {
		rec, ok, err := f.Lock(ctx, p.FenceLock)
		if err != nil {
			return Result{}, err
		}
		if !ok || rec.Holder != cmd.Issuer || rec.Token != p.FenceToken || !rec.ExpiresAt.After(cmd.IssuedAt) {
			return Result{OK: false, Holder: rec.Holder, Token: rec.Token}, nil
		}
	}
	if err := f.st.Write(ctx, p.Puts, p.Deletes); err != nil {
		return Result{}, err
	}
	return Result{OK: true}, nil
}

// Observers

// Observe registers fn for every event applied by this replica. The returned
// function unregisters it. fn runs on the apply path and must not block.
func (f *FSM) Observe(fn func(Event)) func() {
	f.obsMu.Lock()
	id := f.nextObs
	f.nextObs++
	f.observers[id] = fn
	f.obsMu.Unlock()
	return func() {
		f.obsMu.Lock()
		delete(f.observers, id)
		f.obsMu.Unlock()
	}
}

func (f *FSM) deliver(ev Event) {
	if ttl := f.opts.EventTTL; ttl > 0 && time.Since(ev.PublishedAt) > ttl {
		f.logger.Debug("skipping stale event", "topic", ev.Topic, "index", ev.Index)
		return
	}
	f.obsMu.RLock()
	defer f.obsMu.RUnlock()
	for _, fn := range f.observers {
		fn(ev)
	}
}

// Applied index tracking

func (f *FSM) advance(index uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if index > f.applied {
		f.applied = index
		close(f.notify)
		f.notify = make(chan struct{})
	}
}

// AppliedIndex returns the last log index applied to this replica.
func (f *FSM) AppliedIndex() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied
}

// WaitApplied blocks until this replica has applied index.
func (f *FSM) WaitApplied(ctx context.Context, index uint64) error {
	for {
		f.mu.Lock()
		if f.applied >= index {
			f.mu.Unlock()
			return nil
		}
		ch := f.notify
		f.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return Unavailable(fmt.Sprintf("replica did not reach index %d", index), ctx.Err())
		}
	}
}

// Reads from the local replica

func (f *FSM) Member(ctx context.Context, id string) (Member, bool, error) {
	var m Member
	ok, err := f.getJSON(ctx, prefixMember+id, &m)
	return m, ok, err
}

// Members returns member records sorted by id.
func (f *FSM) Members(ctx context.Context) ([]Member, error) {
	var out []Member
	err := f.scan(ctx, prefixMember, func(raw []byte) error {
		var m Member
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

func (f *FSM) Lock(ctx context.Context, name string) (LockRecord, bool, error) {
	var rec LockRecord
	ok, err := f.getJSON(ctx, prefixLock+name, &rec)
	return rec, ok, err
}

func (f *FSM) Locks(ctx context.Context) ([]LockRecord, error) {
	var out []LockRecord
	err := f.scan(ctx, prefixLock, func(raw []byte) error {
		var rec LockRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (f *FSM) Leader(ctx context.Context, service string) (LeaseRecord, bool, error) {
	var rec LeaseRecord
	ok, err := f.getJSON(ctx, prefixLeader+service, &rec)
	return rec, ok, err
}

func (f *FSM) Leaders(ctx context.Context) ([]LeaseRecord, error) {
	var out []LeaseRecord
	err := f.scan(ctx, prefixLeader, func(raw []byte) error {
		var rec LeaseRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// Counter reads a counter from the local replica; zero when absent.
func (f *FSM) Counter(ctx context.Context, name string) (int64, error) {
	raw, ok, err := f.st.Get(ctx, prefixCounter+name)
	if err != nil || !ok {
		return 0, err
	}
	return storage.DecodeCounter(raw), nil
}

// Get reads a data key from the local replica.
func (f *FSM) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return f.st.Get(ctx, key)
}

// Keys lists data keys under prefix in lexical order.
func (f *FSM) Keys(ctx context.Context, prefix string) ([]string, error) {
	return f.st.Keys(ctx, prefix, 0)
}

func (f *FSM) scan(ctx context.Context, prefix string, fn func([]byte) error) error {
	entries, err := f.st.Export(ctx, prefix)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(entries[k]); err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
	}
	return nil
}

func (f *FSM) getJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, ok, err := f.st.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (f *FSM) putJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return f.st.Put(ctx, key, raw)
}

// Snapshots

type fsmSnapshot struct {
	Applied uint64            `json:"applied"`
	Entries map[string][]byte `json:"entries"`
}

// Snapshot implements hraft.FSM by copying the whole replica store.
func (f *FSM) Snapshot() (hraft.FSMSnapshot, error) {
	entries, err := f.st.Export(context.Background(), "")
	if err != nil {
		return nil, fmt.Errorf("snapshot export: %w", err)
	}
	return &fsmSnapshot{Applied: f.AppliedIndex(), Entries: entries}, nil
}

// Restore implements hraft.FSM.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("snapshot decode: %w", err)
	}
	if err := f.st.Replace(context.Background(), snap.Entries); err != nil {
		return fmt.Errorf("snapshot restore: %w", err)
	}
	f.advance(snap.Applied)
	return nil
}

func (s *fsmSnapshot) Persist(sink hraft.SnapshotSink) error {
	err := func() error {
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		if _, err := sink.Write(data); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		_ = sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
