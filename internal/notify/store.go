package notify

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

// stateStore is the recipient -> kind -> notification map, sharded by
// recipient so unrelated recipients never contend. Callers get copies;
// mutation happens only through the store's own methods. Delivery I/O is
// never performed under a shard lock.
const storeShards = 16

type shard struct {
	mu         sync.Mutex
	recipients map[string]map[Kind]*Notification
}

type stateStore struct {
	shards [storeShards]*shard
}

func newStateStore() *stateStore {
	s := &stateStore{}
	for i := range s.shards {
		s.shards[i] = &shard{recipients: map[string]map[Kind]*Notification{}}
	}
	return s
}

func (s *stateStore) shardFor(recipientID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(recipientID))
	return s.shards[h.Sum32()%storeShards]
}

// put stores n, overwriting any prior prompt of the same kind for the same
// recipient (last write wins).
func (s *stateStore) put(n Notification) {
	sh := s.shardFor(n.RecipientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set, ok := sh.recipients[n.RecipientID]
	if !ok {
		set = map[Kind]*Notification{}
		sh.recipients[n.RecipientID] = set
	}
	cp := n
	set[n.Kind] = &cp
}

func (s *stateStore) get(recipientID string, kind Kind) (Notification, bool) {
	sh := s.shardFor(recipientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if n, ok := sh.recipients[recipientID][kind]; ok {
		return *n, true
	}
	return Notification{}, false
}

// remove deletes one prompt; removing the last prompt for a recipient
// deletes the recipient entry entirely (no empty sets retained).
func (s *stateStore) remove(recipientID string, kind Kind) (Notification, bool) {
	sh := s.shardFor(recipientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set, ok := sh.recipients[recipientID]
	if !ok {
		return Notification{}, false
	}
	n, ok := set[kind]
	if !ok {
		return Notification{}, false
	}
	delete(set, kind)
	if len(set) == 0 {
		delete(sh.recipients, recipientID)
	}
	return *n, true
}

// removeExpired deletes the prompt only if it is still present and still
// past expiry, so a concurrent reply or extension wins the race.
func (s *stateStore) removeExpired(key Key, now time.Time) (Notification, bool) {
	sh := s.shardFor(key.RecipientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set, ok := sh.recipients[key.RecipientID]
	if !ok {
		return Notification{}, false
	}
	n, ok := set[key.Kind]
	if !ok || !n.expired(now) {
		return Notification{}, false
	}
	delete(set, key.Kind)
	if len(set) == 0 {
		delete(sh.recipients, key.RecipientID)
	}
	return *n, true
}

// removeAll clears every prompt for a recipient and returns them.
func (s *stateStore) removeAll(recipientID string) []Notification {
	sh := s.shardFor(recipientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set, ok := sh.recipients[recipientID]
	if !ok {
		return nil
	}
	out := make([]Notification, 0, len(set))
	for _, n := range set {
		out = append(out, *n)
	}
	delete(sh.recipients, recipientID)
	sortByKind(out)
	return out
}

// update applies fn to the stored prompt under the shard lock. fn returning
// false leaves the prompt untouched.
func (s *stateStore) update(key Key, fn func(n *Notification) bool) bool {
	sh := s.shardFor(key.RecipientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	n, ok := sh.recipients[key.RecipientID][key.Kind]
	if !ok {
		return false
	}
	return fn(n)
}

func (s *stateStore) count(recipientID string) int {
	sh := s.shardFor(recipientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(sh.recipients[recipientID])
}

// pending returns the recipient's prompts in deterministic (kind) order.
func (s *stateStore) pending(recipientID string) []Notification {
	sh := s.shardFor(recipientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set := sh.recipients[recipientID]
	out := make([]Notification, 0, len(set))
	for _, n := range set {
		out = append(out, *n)
	}
	sortByKind(out)
	return out
}

// all snapshots every outstanding prompt across all shards.
func (s *stateStore) all() []Notification {
	var out []Notification
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, set := range sh.recipients {
			for _, n := range set {
				out = append(out, *n)
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RecipientID != out[j].RecipientID {
			return out[i].RecipientID < out[j].RecipientID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

func sortByKind(ns []Notification) {
	sort.Slice(ns, func(i, j int) bool { return ns[i].Kind < ns[j].Kind })
}
