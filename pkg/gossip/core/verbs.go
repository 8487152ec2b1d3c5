package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/soros1321/emotiq/pkg/gossip/types"
)

// Built in verb names.
const (
	VerbCountAlive = "count-alive"
	VerbListAlive  = "list-alive"
)

// Verb is one entry of the dispatch table. Apply produces the
// local contribution (and side effect) of a node, Fold merges a
// downstream reply payload into a running aggregate. Commands only
// need Apply, solicitations need both.
type Verb struct {
	Name string

	Apply func(node *GossipNode, message types.Message) ([]byte, error)

	Fold func(acc, next []byte) ([]byte, error)
}

// VerbTable maps verb names to their handlers. Malformed verbs on
// incoming messages resolve to nothing and the message is dropped
// after being forwarded, so one node with an outdated table does
// not stop dissemination.
type VerbTable struct {
	mutex sync.RWMutex
	verbs map[string]*Verb
}

func NewVerbTable() *VerbTable {
	t := &VerbTable{verbs: make(map[string]*Verb)}
	t.Register(countAliveVerb())
	t.Register(listAliveVerb())
	return t
}

// Register installs the verb, replacing any previous handler of
// the same name.
func (t *VerbTable) Register(verb *Verb) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.verbs[verb.Name] = verb
}

func (t *VerbTable) lookup(name string) (*Verb, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	verb, ok := t.verbs[name]
	return verb, ok
}

// Payload shapes of the built in verbs.

type countPayload struct {
	Count int64 `json:"count"`
}

type listPayload struct {
	UIDs []types.UID `json:"uids"`
}

func countAliveVerb() *Verb {
	return &Verb{
		Name: VerbCountAlive,
		Apply: func(node *GossipNode, _ types.Message) ([]byte, error) {
			return json.Marshal(countPayload{Count: 1})
		},
		Fold: func(acc, next []byte) ([]byte, error) {
			var a, b countPayload
			if err := decodeInto(acc, &a); err != nil {
				return nil, err
			}
			if err := decodeInto(next, &b); err != nil {
				return nil, err
			}
			return json.Marshal(countPayload{Count: a.Count + b.Count})
		},
	}
}

func listAliveVerb() *Verb {
	return &Verb{
		Name: VerbListAlive,
		Apply: func(node *GossipNode, _ types.Message) ([]byte, error) {
			return json.Marshal(listPayload{UIDs: []types.UID{node.UID()}})
		},
		Fold: func(acc, next []byte) ([]byte, error) {
			var a, b listPayload
			if err := decodeInto(acc, &a); err != nil {
				return nil, err
			}
			if err := decodeInto(next, &b); err != nil {
				return nil, err
			}
			merged := unionUIDs(a.UIDs, b.UIDs)
			return json.Marshal(listPayload{UIDs: merged})
		},
	}
}

func decodeInto(payload []byte, target interface{}) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("%w: %v", types.ErrDecodeFailed, err)
	}
	return nil
}

func unionUIDs(a, b []types.UID) []types.UID {
	set := make(map[types.UID]struct{}, len(a)+len(b))
	for _, uid := range a {
		set[uid] = struct{}{}
	}
	for _, uid := range b {
		set[uid] = struct{}{}
	}
	merged := make([]types.UID, 0, len(set))
	for uid := range set {
		merged = append(merged, uid)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i] < merged[j] })
	return merged
}

// CountAliveResult decodes an aggregate produced by count-alive.
func CountAliveResult(payload []byte) (int64, error) {
	var p countPayload
	if err := decodeInto(payload, &p); err != nil {
		return 0, err
	}
	return p.Count, nil
}

// ListAliveResult decodes an aggregate produced by list-alive.
func ListAliveResult(payload []byte) ([]types.UID, error) {
	var p listPayload
	if err := decodeInto(payload, &p); err != nil {
		return nil, err
	}
	return p.UIDs, nil
}
