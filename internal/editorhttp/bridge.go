package editorhttp

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/scenebridge/internal/ir"
)

// Defaults.
const (
	// DefaultConnectedWindow is how recently the editor must have polled
	// for Apply to hand it a transaction.
	DefaultConnectedWindow = 30 * time.Second
	// DefaultWaitTimeout bounds one long-poll.
	DefaultWaitTimeout = 25 * time.Second
)

var (
	// ErrClaimInvalid is returned for a receipt whose claim token is
	// unknown, expired, or belongs to a transaction that was abandoned.
	ErrClaimInvalid = errors.New("claim invalid or expired")
)

// outbound is a transaction waiting for or held by the editor.
type outbound struct {
	seq     int64
	tx      ir.Transaction
	claim   string
	receipt chan ir.Receipt
}

// ExportRequest asks the editor to export context.
type ExportRequest struct {
	ContextID   string    `json:"contextId"`
	RequestedAt time.Time `json:"requestedAt"`
	Mode        string    `json:"mode,omitempty"`
	Paths       []string  `json:"paths,omitempty"`
}

// Bridge is the server side of the editor connection. The pipeline hands it
// transactions through Apply; the editor plugin picks them up by
// long-polling and posts receipts back.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
//
// INVARIANTS:
//   - a transaction is handed out at most once
//   - a receipt is accepted only for the claim that was handed out, and
//     only while Apply is still waiting for it
type Bridge struct {
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	seq      int64
	queue    []*outbound
	claims   map[string]*outbound
	signal   chan struct{}
	lastSeen time.Time
	exports  map[string]ExportRequest
	fetches  map[string][]chan string
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithConnectedWindow sets how recently the editor must have polled.
func WithConnectedWindow(d time.Duration) BridgeOption {
	return func(b *Bridge) { b.window = d }
}

// WithBridgeClock sets the wall clock.
func WithBridgeClock(now func() time.Time) BridgeOption {
	return func(b *Bridge) { b.now = now }
}

// NewBridge creates a bridge with no editor connected.
func NewBridge(opts ...BridgeOption) *Bridge {
	b := &Bridge{
		window:  DefaultConnectedWindow,
		now:     time.Now,
		claims:  make(map[string]*outbound),
		signal:  make(chan struct{}),
		exports: make(map[string]ExportRequest),
		fetches: make(map[string][]chan string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connected reports whether the editor polled within the connected window.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectedLocked()
}

func (b *Bridge) connectedLocked() bool {
	return !b.lastSeen.IsZero() && b.now().Sub(b.lastSeen) <= b.window
}

// LastSeen returns when the editor last polled.
func (b *Bridge) LastSeen() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeen
}

// Pending returns the number of transactions not yet claimed.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Touch records that the editor is alive.
func (b *Bridge) Touch() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSeen = b.now()
}

// notifyLocked wakes every long-poll waiting on the current signal.
func (b *Bridge) notifyLocked() {
	close(b.signal)
	b.signal = make(chan struct{})
}

// Apply queues tx for the editor and waits for its receipt.
func (b *Bridge) Apply(ctx context.Context, tx ir.Transaction) (ir.Receipt, error) {
	b.mu.Lock()
	if !b.connectedLocked() {
		b.mu.Unlock()
		return ir.Receipt{}, ir.NewError(ir.CodeEditorUnreachable, "editor not connected").WithTx(tx.ID)
	}
	b.seq++
	ob := &outbound{seq: b.seq, tx: tx, receipt: make(chan ir.Receipt, 1)}
	b.queue = append(b.queue, ob)
	b.notifyLocked()
	b.mu.Unlock()

	select {
	case r := <-ob.receipt:
		return r, nil
	case <-ctx.Done():
		b.abandon(ob)
		return ir.Receipt{}, ctx.Err()
	}
}

// abandon drops ob whether or not it was claimed; a later receipt for it
// is refused.
func (b *Bridge) abandon(ob *outbound) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, q := range b.queue {
		if q == ob {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			break
		}
	}
	if ob.claim != "" {
		delete(b.claims, ob.claim)
	}
}

// Claim is a transaction handed to the editor.
type Claim struct {
	Seq         int64          `json:"seq"`
	ClaimToken  string         `json:"claimToken"`
	Transaction ir.Transaction `json:"tx"`
}

// Wait long-polls for the next transaction for contextID with seq >= since.
// An empty contextID matches any context. It returns false when timeout
// passes or ctx ends with nothing to hand out.
func (b *Bridge) Wait(ctx context.Context, contextID string, since int64, timeout time.Duration) (Claim, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		b.mu.Lock()
		b.lastSeen = b.now()
		for i, ob := range b.queue {
			if ob.seq < since || (contextID != "" && ob.tx.ContextID != contextID) {
				continue
			}
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			ob.claim = newToken()
			b.claims[ob.claim] = ob
			b.mu.Unlock()
			return Claim{Seq: ob.seq, ClaimToken: ob.claim, Transaction: ob.tx}, true
		}
		signal := b.signal
		b.mu.Unlock()

		select {
		case <-signal:
		case <-deadline.C:
			return Claim{}, false
		case <-ctx.Done():
			return Claim{}, false
		}
	}
}

// Receive delivers the receipt for a claim.
func (b *Bridge) Receive(claimToken string, r ir.Receipt) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSeen = b.now()

	ob, ok := b.claims[claimToken]
	if !ok {
		return ErrClaimInvalid
	}
	if r.TransactionID != "" && r.TransactionID != ob.tx.ID {
		return ir.NewError(ir.CodeSchemaInvalid, "receipt for %s posted on claim for %s", r.TransactionID, ob.tx.ID)
	}
	delete(b.claims, claimToken)
	r.TransactionID = ob.tx.ID
	if r.JobID == "" {
		r.JobID = ob.tx.JobID
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = b.now().UTC()
	}
	ob.receipt <- r
	return nil
}

// RequestResync asks the editor for a fresh diff export of contextID.
func (b *Bridge) RequestResync(contextID string) {
	b.RequestExport(ExportRequest{ContextID: contextID, Mode: "diff"})
}

// RequestExport queues an export request. A newer request for the same
// context replaces an older one; when both name paths, the paths merge.
// A request without paths asks for everything.
func (b *Bridge) RequestExport(req ExportRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if req.RequestedAt.IsZero() {
		req.RequestedAt = b.now().UTC()
	}
	if prev, ok := b.exports[req.ContextID]; ok && len(prev.Paths) > 0 && len(req.Paths) > 0 {
		req.Paths = mergePaths(prev.Paths, req.Paths)
	}
	b.exports[req.ContextID] = req
	b.notifyLocked()
}

// TakeExport returns and clears the pending export request for contextID.
// An empty contextID takes the oldest request of any context.
func (b *Bridge) TakeExport(contextID string) (ExportRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSeen = b.now()

	if contextID == "" {
		for id, req := range b.exports {
			if contextID == "" || req.RequestedAt.Before(b.exports[contextID].RequestedAt) {
				contextID = id
			}
		}
	}
	req, ok := b.exports[contextID]
	if ok {
		delete(b.exports, contextID)
	}
	return req, ok
}

// FetchSource asks the editor to export the script at path and waits for
// an export that carries its source.
func (b *Bridge) FetchSource(ctx context.Context, contextID, path string) (string, error) {
	ch := make(chan string, 1)
	key := contextID + "\x00" + path

	b.mu.Lock()
	if !b.connectedLocked() {
		b.mu.Unlock()
		return "", ir.NewError(ir.CodeEditorUnreachable, "editor not connected")
	}
	b.fetches[key] = append(b.fetches[key], ch)
	b.mu.Unlock()

	b.RequestExport(ExportRequest{ContextID: contextID, Mode: "diff", Paths: []string{path}})

	select {
	case src := <-ch:
		return src, nil
	case <-ctx.Done():
		b.mu.Lock()
		waiters := b.fetches[key]
		for i, w := range waiters {
			if w == ch {
				b.fetches[key] = append(waiters[:i], waiters[i+1:]...)
				break
			}
		}
		if len(b.fetches[key]) == 0 {
			delete(b.fetches, key)
		}
		b.mu.Unlock()
		return "", ir.WrapError(ir.CodeNotFound, ctx.Err(), "source of %s not exported", path).WithPath(path)
	}
}

// Exported hands sources from an applied export to waiting fetches.
func (b *Bridge) Exported(contextID string, scripts []ir.ScriptEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range scripts {
		if s.Source == nil {
			continue
		}
		key := contextID + "\x00" + s.Path
		for _, ch := range b.fetches[key] {
			ch <- *s.Source
		}
		delete(b.fetches, key)
	}
}

func mergePaths(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, p := range append(append([]string(nil), a...), b...) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func newToken() string {
	return uuid.NewString()
}
