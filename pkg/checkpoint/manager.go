package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/aixgo-dev/steward/internal/observability"
	"github.com/aixgo-dev/steward/pkg/diff"
	"github.com/aixgo-dev/steward/pkg/tools/sandbox"
)

// Options configures a Manager.
type Options struct {
	// Workspace is the tree checkpoints are taken from and restored into.
	Workspace sandbox.FS
	Blobs     BlobStore
	Records   RecordStore
	Logger    *zap.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Snapshot is what a checkpoint captures from a session.
type Snapshot struct {
	SessionID string
	// Touched lists every file the session has changed so far.
	Touched      []string
	Conversation ConversationState
}

// CreateOptions adds metadata and extra paths to a checkpoint.
type CreateOptions struct {
	Description string
	Tags        []string
	Paths       []string
}

// RestoreResult reports what a restore changed.
type RestoreResult struct {
	ID           string            `json:"id"`
	Written      []string          `json:"written,omitempty"`
	Deleted      []string          `json:"deleted,omitempty"`
	Unchanged    []string          `json:"unchanged,omitempty"`
	Conversation ConversationState `json:"conversation_state"`
}

// Manager creates and restores checkpoints for one workspace. Writes are
// serialized per session; different sessions proceed independently.
type Manager struct {
	ws      sandbox.FS
	blobs   BlobStore
	records RecordStore
	logger  *zap.Logger
	now     func() time.Time

	seqMu     sync.Mutex
	seq       int
	seqLoaded bool

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// Create holds gc for reading between storing blobs and saving the
	// record, so garbage collection never sees a half-written checkpoint.
	gc sync.RWMutex
}

// NewManager validates opts and returns a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Workspace == nil {
		return nil, errors.New("checkpoint: workspace is required")
	}
	if opts.Blobs == nil {
		opts.Blobs = NewMemoryBlobStore()
	}
	if opts.Records == nil {
		opts.Records = NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		ws:      opts.Workspace,
		blobs:   opts.Blobs,
		records: opts.Records,
		logger:  opts.Logger,
		now:     opts.Now,
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// Workspace returns the tree the manager operates on.
func (m *Manager) Workspace() sandbox.FS { return m.ws }

func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	mu, ok := m.locks[sessionID]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[sessionID] = mu
	}
	return mu
}

func (m *Manager) nextID(ctx context.Context) (string, error) {
	m.seqMu.Lock()
	defer m.seqMu.Unlock()
	if !m.seqLoaded {
		all, err := m.records.List(ctx, "")
		if err != nil {
			return "", fmt.Errorf("load checkpoint sequence: %w", err)
		}
		for _, c := range all {
			m.seq = max(m.seq, Seq(c.ID))
		}
		m.seqLoaded = true
	}
	m.seq++
	return formatID(m.seq), nil
}

// Create hashes every touched file plus opts.Paths, stores their content
// and saves the record. Files that do not exist are recorded as absent.
func (m *Manager) Create(ctx context.Context, snap Snapshot, opts CreateOptions) (id string, err error) {
	ctx, span := observability.StartSpan(ctx, "checkpoint.create", attribute.String("session.id", snap.SessionID))
	defer func() {
		observability.RecordCheckpoint("create", resultLabel(err))
		observability.EndSpan(span, err)
	}()

	paths, err := m.normalize(append(slices.Clone(snap.Touched), opts.Paths...))
	if err != nil {
		return "", err
	}

	mu := m.sessionLock(snap.SessionID)
	mu.Lock()
	defer mu.Unlock()
	m.gc.RLock()
	defer m.gc.RUnlock()

	states := make(map[string]string, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		data, err := m.ws.ReadFile(p)
		if errors.Is(err, fs.ErrNotExist) {
			states[p] = AbsentHash
			continue
		}
		if err != nil {
			return "", fmt.Errorf("read %s: %w", p, err)
		}
		hash, err := m.blobs.Put(ctx, data)
		if err != nil {
			return "", fmt.Errorf("store %s: %w", p, err)
		}
		states[p] = hash
	}

	id, err = m.nextID(ctx)
	if err != nil {
		return "", err
	}
	tags := opts.Tags
	if tags == nil {
		tags = []string{}
	}
	rec := &Checkpoint{
		ID:                id,
		Timestamp:         m.now().UTC(),
		SessionID:         snap.SessionID,
		FileStates:        states,
		ConversationState: snap.Conversation,
		Metadata:          Metadata{Description: opts.Description, Tags: tags},
	}
	if err := m.records.Save(ctx, rec); err != nil {
		return "", fmt.Errorf("save checkpoint: %w", err)
	}
	m.logger.Info("checkpoint created",
		zap.String("id", id),
		zap.String("session", snap.SessionID),
		zap.Int("files", len(states)),
		zap.String("description", opts.Description))
	return id, nil
}

func (m *Manager) normalize(paths []string) ([]string, error) {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		rel, err := sandbox.Rel(m.ws.Root(), p)
		if err != nil {
			return nil, fmt.Errorf("checkpoint path: %w", err)
		}
		if !seen[rel] {
			seen[rel] = true
			out = append(out, rel)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Get loads a checkpoint record.
func (m *Manager) Get(ctx context.Context, id string) (*Checkpoint, error) {
	c, err := m.records.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", id, err)
	}
	return c, nil
}

// List returns the checkpoints of sessionID, newest first. An empty
// sessionID lists all sessions.
func (m *Manager) List(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	return m.records.List(ctx, sessionID)
}

// Latest returns the newest checkpoint of sessionID carrying tag, or any
// checkpoint when tag is empty.
func (m *Manager) Latest(ctx context.Context, sessionID, tag string) (*Checkpoint, error) {
	all, err := m.records.List(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, c := range all {
		if tag == "" || c.HasTag(tag) {
			return c, nil
		}
	}
	return nil, ErrNotFound
}

// load fetches and rehashes every blob of c.
func (m *Manager) load(ctx context.Context, c *Checkpoint) (map[string][]byte, error) {
	out := make(map[string][]byte, len(c.FileStates))
	for _, p := range c.Paths() {
		hash := c.FileStates[p]
		if hash == AbsentHash {
			continue
		}
		data, err := m.blobs.Get(ctx, hash)
		if errors.Is(err, ErrBlobNotFound) {
			return nil, &IntegrityError{ID: c.ID, Path: p, Hash: hash, Reason: "missing blob"}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &IntegrityError{ID: c.ID, Path: p, Hash: hash, Reason: err.Error()}
		}
		if HashContent(data) != hash {
			return nil, &IntegrityError{ID: c.ID, Path: p, Hash: hash, Reason: "content hash mismatch"}
		}
		out[p] = data
	}
	return out, nil
}

// effective returns c with the files the session first recorded after c
// added, each taken from its earliest later record. A file only enters a
// session's touched set through an apply, and every apply is preceded by a
// pre-apply checkpoint, so that record holds the file as it was at c.
func (m *Manager) effective(ctx context.Context, c *Checkpoint) (*Checkpoint, error) {
	all, err := m.records.List(ctx, c.SessionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	out := *c
	out.FileStates = maps.Clone(c.FileStates)
	if out.FileStates == nil {
		out.FileStates = make(map[string]string)
	}
	// all is newest first; walk oldest first so the earliest record wins.
	for _, later := range slices.Backward(all) {
		if Seq(later.ID) <= Seq(c.ID) || later.ID == c.ID {
			continue
		}
		for p, h := range later.FileStates {
			if _, ok := out.FileStates[p]; !ok {
				out.FileStates[p] = h
			}
		}
	}
	return &out, nil
}

// Verify checks that every blob of checkpoint id is present and intact.
func (m *Manager) Verify(ctx context.Context, id string) error {
	c, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = m.load(ctx, c)
	return err
}

func (m *Manager) lastGood(ctx context.Context, bad *Checkpoint) string {
	all, err := m.records.List(ctx, bad.SessionID)
	if err != nil {
		return ""
	}
	for _, c := range all {
		if c.ID == bad.ID || Seq(c.ID) > Seq(bad.ID) {
			continue
		}
		if _, err := m.load(ctx, c); err == nil {
			return c.ID
		}
	}
	return ""
}

type priorState struct {
	data   []byte
	exists bool
}

// Restore puts every recorded file back to its checkpointed content and
// deletes files recorded as absent. All blobs are verified before anything
// is written; if a write fails, files already written are rolled back.
func (m *Manager) Restore(ctx context.Context, id string) (res *RestoreResult, err error) {
	ctx, span := observability.StartSpan(ctx, "checkpoint.restore", attribute.String("checkpoint.id", id))
	defer func() {
		observability.RecordCheckpoint("restore", resultLabel(err))
		observability.EndSpan(span, err)
	}()

	c, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	mu := m.sessionLock(c.SessionID)
	mu.Lock()
	defer mu.Unlock()

	c, err = m.effective(ctx, c)
	if err != nil {
		return nil, err
	}
	contents, err := m.load(ctx, c)
	if err != nil {
		var ie *IntegrityError
		if errors.As(err, &ie) {
			ie.LastGood = m.lastGood(ctx, c)
			m.logger.Warn("checkpoint integrity failure",
				zap.String("id", id), zap.String("path", ie.Path), zap.String("last_good", ie.LastGood))
		}
		return nil, err
	}

	res = &RestoreResult{ID: id, Conversation: c.ConversationState}
	prior := make(map[string]priorState)
	var done []string
	rollback := func() {
		for _, p := range slices.Backward(done) {
			st := prior[p]
			var rerr error
			if st.exists {
				rerr = m.ws.WriteFile(p, st.data, 0o644)
			} else {
				rerr = m.ws.Remove(p)
			}
			if rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
				m.logger.Error("restore rollback failed", zap.String("path", p), zap.Error(rerr))
			}
		}
	}

	for _, p := range c.Paths() {
		if err := ctx.Err(); err != nil {
			rollback()
			return nil, err
		}
		cur, rerr := m.ws.ReadFile(p)
		exists := rerr == nil
		if rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			rollback()
			return nil, fmt.Errorf("read %s: %w", p, rerr)
		}
		prior[p] = priorState{data: cur, exists: exists}

		want, keep := contents[p]
		switch {
		case !keep && !exists:
			res.Unchanged = append(res.Unchanged, p)
		case !keep:
			if err := m.ws.Remove(p); err != nil {
				rollback()
				return nil, fmt.Errorf("restore %s: remove %s: %w", id, p, err)
			}
			done = append(done, p)
			res.Deleted = append(res.Deleted, p)
		case exists && bytes.Equal(cur, want):
			res.Unchanged = append(res.Unchanged, p)
		default:
			if err := m.ws.WriteFile(p, want, 0o644); err != nil {
				rollback()
				return nil, fmt.Errorf("restore %s: write %s: %w", id, p, err)
			}
			done = append(done, p)
			res.Written = append(res.Written, p)
		}
	}

	m.logger.Info("checkpoint restored",
		zap.String("id", id),
		zap.Int("written", len(res.Written)),
		zap.Int("deleted", len(res.Deleted)))
	return res, nil
}

// Diff compares checkpoint id with the current workspace. Files whose
// content is unchanged are omitted.
func (m *Manager) Diff(ctx context.Context, id string) ([]diff.FileChange, error) {
	c, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c, err = m.effective(ctx, c); err != nil {
		return nil, err
	}
	contents, err := m.load(ctx, c)
	if err != nil {
		return nil, err
	}
	var out []diff.FileChange
	for _, p := range c.Paths() {
		old, had := contents[p]
		cur, rerr := m.ws.ReadFile(p)
		has := rerr == nil
		if rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", p, rerr)
		}
		if had == has && bytes.Equal(old, cur) {
			continue
		}
		if had && old == nil {
			old = []byte{}
		}
		if has && cur == nil {
			cur = []byte{}
		}
		out = append(out, diff.Between(p, old, cur))
	}
	return out, nil
}

// Delete removes a checkpoint record. Blobs are reclaimed by Prune.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.records.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	observability.RecordCheckpoint("delete", "ok")
	return nil
}

// Prune keeps the newest keep checkpoints of sessionID (every session when
// empty) and deletes the rest, then reclaims unreferenced blobs.
func (m *Manager) Prune(ctx context.Context, sessionID string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	all, err := m.records.List(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	bySession := make(map[string][]*Checkpoint)
	for _, c := range all {
		bySession[c.SessionID] = append(bySession[c.SessionID], c)
	}

	removed := 0
	for sid, records := range bySession {
		if len(records) <= keep {
			continue
		}
		mu := m.sessionLock(sid)
		mu.Lock()
		for _, c := range records[keep:] {
			if err := m.records.Delete(ctx, c.ID); err != nil && !errors.Is(err, ErrNotFound) {
				mu.Unlock()
				return removed, fmt.Errorf("prune %s: %w", c.ID, err)
			}
			removed++
		}
		mu.Unlock()
	}
	if removed > 0 {
		if err := m.collectGarbage(ctx); err != nil {
			return removed, err
		}
		observability.RecordCheckpoint("prune", "ok")
		m.logger.Info("checkpoints pruned", zap.Int("removed", removed), zap.Int("keep", keep))
	}
	return removed, nil
}

func (m *Manager) collectGarbage(ctx context.Context) error {
	m.gc.Lock()
	defer m.gc.Unlock()

	all, err := m.records.List(ctx, "")
	if err != nil {
		return err
	}
	live := make(map[string]bool)
	for _, c := range all {
		for _, h := range c.FileStates {
			live[h] = true
		}
	}
	hashes, err := m.blobs.Hashes(ctx)
	if err != nil {
		return err
	}
	for _, h := range hashes {
		if live[h] {
			continue
		}
		if err := m.blobs.Delete(ctx, h); err != nil {
			return fmt.Errorf("reclaim blob: %w", err)
		}
	}
	return nil
}

// Schedule runs Prune for every session on a cron spec (for example
// "@hourly" or "0 3 * * *"). The returned function stops the schedule and
// waits for a running prune to finish.
func (m *Manager) Schedule(spec string, keep int) (stop func(), err error) {
	c := cron.New()
	_, err = c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := m.Prune(ctx, "", keep); err != nil {
			m.logger.Warn("scheduled checkpoint prune failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", spec, err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
