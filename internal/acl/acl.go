// Package acl gates which identities' envelopes a node accepts.
package acl

import "sync"

// List holds a deny-set and an allow-set keyed by public key.
// While the allow-set is non-empty only its members are permitted.
// Deny always wins over allow. It is safe for concurrent use.
type List struct {
	mu    sync.RWMutex
	deny  map[string]struct{}
	allow map[string]struct{}
}

func New() *List {
	return &List{
		deny:  make(map[string]struct{}),
		allow: make(map[string]struct{}),
	}
}

// Deny adds publicKey to the deny-set and reports whether it was newly added.
func (l *List) Deny(publicKey string) bool {
	return insert(&l.mu, l.deny, publicKey)
}

// Undeny removes publicKey from the deny-set.
func (l *List) Undeny(publicKey string) bool {
	return remove(&l.mu, l.deny, publicKey)
}

// Allow adds publicKey to the allow-set and reports whether it was newly added.
func (l *List) Allow(publicKey string) bool {
	return insert(&l.mu, l.allow, publicKey)
}

// Unallow removes publicKey from the allow-set.
func (l *List) Unallow(publicKey string) bool {
	return remove(&l.mu, l.allow, publicKey)
}

// Permits reports whether envelopes signed by publicKey may be accepted.
func (l *List) Permits(publicKey string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, denied := l.deny[publicKey]; denied {
		return false
	}
	if len(l.allow) == 0 {
		return true
	}
	_, allowed := l.allow[publicKey]
	return allowed
}

// Denied returns the current deny-set.
func (l *List) Denied() []string {
	return keys(&l.mu, l.deny)
}

// Allowed returns the current allow-set.
func (l *List) Allowed() []string {
	return keys(&l.mu, l.allow)
}

func insert(mu *sync.RWMutex, set map[string]struct{}, key string) bool {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := set[key]; ok {
		return false
	}
	set[key] = struct{}{}
	return true
}

func remove(mu *sync.RWMutex, set map[string]struct{}, key string) bool {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := set[key]; !ok {
		return false
	}
	delete(set, key)
	return true
}

func keys(mu *sync.RWMutex, set map[string]struct{}) []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	return out
}
