// Package reconciler tracks the divergence between the tokens a shard wants
// subscribed and the tokens the server has acknowledged, and renders the
// batched payloads that move the server toward the desired state.
package reconciler

import (
	"sync"

	"github.com/goccy/go-json"
)

// Mode selects the depth of market data requested per token.
type Mode string

const (
	// ModeLTP subscribes last-traded-price updates only.
	ModeLTP Mode = "ltp"
	// ModeQuote subscribes bid/ask quote updates.
	ModeQuote Mode = "quote"
	// ModeFull subscribes full market depth.
	ModeFull Mode = "full"
)

const defaultBatchSize = 100

// Formatter transforms a raw token into its wire form (venue prefixes and
// the like). A nil Formatter sends tokens unchanged.
type Formatter func(string) string

// Reconciler owns one shard's desired and active token sets. Desired is what
// the application asked for; active is only ever advanced by explicit
// MarkSubscribed/MarkUnsubscribed calls, so rebuilding the same diff twice
// without an intervening ack yields the same token set.
type Reconciler struct {
	mu        sync.Mutex
	desired   map[string]struct{}
	active    map[string]struct{}
	mode      Mode
	batchSize int
	format    Formatter
}

type payload struct {
	Action string   `json:"action"`
	Mode   string   `json:"mode"`
	Tokens []string `json:"tokens"`
}

// New constructs a reconciler. A batchSize of 0 is coerced to 100.
func New(mode Mode, batchSize int, format Formatter) *Reconciler {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	r := new(Reconciler)
	r.desired = make(map[string]struct{})
	r.active = make(map[string]struct{})
	r.mode = mode
	r.batchSize = batchSize
	r.format = format
	return r
}

// Add inserts one token into the desired set.
func (r *Reconciler) Add(token string) {
	r.mu.Lock()
	r.desired[token] = struct{}{}
	r.mu.Unlock()
}

// AddMany inserts tokens into the desired set.
func (r *Reconciler) AddMany(tokens []string) {
	r.mu.Lock()
	for _, t := range tokens {
		r.desired[t] = struct{}{}
	}
	r.mu.Unlock()
}

// Remove deletes one token from the desired set.
func (r *Reconciler) Remove(token string) {
	r.mu.Lock()
	delete(r.desired, token)
	r.mu.Unlock()
}

// Clear empties the desired set.
func (r *Reconciler) Clear() {
	r.mu.Lock()
	r.desired = make(map[string]struct{})
	r.mu.Unlock()
}

// MarkSubscribed records a server ack: tokens join the active set.
func (r *Reconciler) MarkSubscribed(tokens []string) {
	r.mu.Lock()
	for _, t := range tokens {
		r.active[t] = struct{}{}
	}
	r.mu.Unlock()
}

// MarkUnsubscribed records a server ack: tokens leave the active set.
func (r *Reconciler) MarkUnsubscribed(tokens []string) {
	r.mu.Lock()
	for _, t := range tokens {
		delete(r.active, t)
	}
	r.mu.Unlock()
}

// ResetActive forgets every ack. Called when a connection is replaced: the
// new session holds no server-side subscriptions, so the whole desired set
// becomes the next subscribe diff.
func (r *Reconciler) ResetActive() {
	r.mu.Lock()
	r.active = make(map[string]struct{})
	r.mu.Unlock()
}

// BuildSubscribeBatches renders one JSON payload per batch of tokens in
// desired but not active. Empty diff yields nil.
func (r *Reconciler) BuildSubscribeBatches() [][]byte {
	return r.build("subscribe", r.diffDesiredMinusActive)
}

// BuildUnsubscribeBatches renders one JSON payload per batch of tokens in
// active but not desired. Empty diff yields nil.
func (r *Reconciler) BuildUnsubscribeBatches() [][]byte {
	return r.build("unsubscribe", r.diffActiveMinusDesired)
}

// DesiredSnapshot copies the desired set.
func (r *Reconciler) DesiredSnapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return keys(r.desired)
}

// ActiveSnapshot copies the active set.
func (r *Reconciler) ActiveSnapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return keys(r.active)
}

func (r *Reconciler) build(action string, diff func() []string) [][]byte {
	r.mu.Lock()
	need := diff()
	mode := r.mode
	size := r.batchSize
	format := r.format
	r.mu.Unlock()

	if len(need) == 0 {
		return nil
	}

	out := make([][]byte, 0, (len(need)+size-1)/size)
	for start := 0; start < len(need); start += size {
		end := min(start+size, len(need))
		batch := make([]string, 0, end-start)
		for _, t := range need[start:end] {
			if format != nil {
				t = format(t)
			}
			batch = append(batch, t)
		}
		data, err := json.Marshal(payload{Action: action, Mode: string(mode), Tokens: batch})
		if err != nil {
			continue
		}
		out = append(out, data)
	}
	return out
}

// callers hold r.mu
func (r *Reconciler) diffDesiredMinusActive() []string {
	out := make([]string, 0, len(r.desired))
	for t := range r.desired {
		if _, ok := r.active[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}

func (r *Reconciler) diffActiveMinusDesired() []string {
	out := make([]string, 0, len(r.active))
	for t := range r.active {
		if _, ok := r.desired[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out
}
