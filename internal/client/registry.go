// Package client is the editor side of the sync layer.
//
// A Registry multiplexes editors onto shared resources: every editor opened
// on the same RoomKey gets the same document, persistence entry, presence
// tracker and connection. Resources are reference counted and disposed
// when the last holder releases them.
package client

import (
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"collabtext/internal/client/cache"
	"collabtext/internal/crdt"
	"collabtext/internal/presence"
)

const DefaultCacheNamespace = "collabtext"

var ErrRegistryClosed = errors.New("registry closed")

// cacheOrigin tags updates replayed from the local cache.
type cacheOrigin struct{}

type RegistryOptions struct {
	Endpoint  string
	Transport Transport
	// NewDocument builds the CRDT document for a key. Defaults to a
	// crdt.FragmentSet.
	NewDocument func(RoomKey) crdt.Document
	// Cache enables local persistence; nil disables it.
	Cache               *cache.Store
	CacheNamespace      string
	ClearCacheOnRelease bool

	// ClientID is this client's peer id in every room. Defaults to a uuid.
	ClientID string
	Identity presence.Identity

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	DialTimeout time.Duration
}

type resources struct {
	key         RoomKey
	doc         crdt.Document
	cache       *cache.Handle
	tracker     *presence.Tracker
	session     *Session
	stopPersist func()
}

type entry struct {
	res  *resources
	refs int
}

type Registry struct {
	opts RegistryOptions

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.NewDocument == nil {
		opts.NewDocument = func(RoomKey) crdt.Document { return crdt.NewFragmentSet() }
	}
	if opts.CacheNamespace == "" {
		opts.CacheNamespace = DefaultCacheNamespace
	}
	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}
	return &Registry{opts: opts, entries: map[string]*entry{}}
}

func (r *Registry) ClientID() string { return r.opts.ClientID }

// Acquire returns a handle on the shared resources of key, creating them on
// first use. Acquire and the final release serialize on the registry lock,
// so a new acquire never observes a disposed resource.
func (r *Registry) Acquire(key RoomKey) (*Handle, error) {
	token := key.Token()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	e, ok := r.entries[token]
	if !ok {
		e = &entry{res: r.build(key)}
		r.entries[token] = e
	}
	e.refs++
	glog.V(1).Infof("[registry] acquire %s (refs=%d)", token, e.refs)
	return &Handle{reg: r, token: token, res: e.res}, nil
}

func (r *Registry) build(key RoomKey) *resources {
	res := &resources{key: key, doc: r.opts.NewDocument(key)}

	if r.opts.Cache != nil {
		res.cache = r.opts.Cache.Handle(r.opts.CacheNamespace, key.Token())
		state, err := res.cache.Load()
		switch {
		case err != nil:
			glog.Warningf("[registry] load cache %s: %v", res.cache.Key(), err)
		case len(state) > 0:
			if err := res.doc.ApplyUpdate(state, cacheOrigin{}); err != nil {
				glog.Warningf("[registry] replay cache %s: %v", res.cache.Key(), err)
			}
		}
		doc, h := res.doc, res.cache
		res.stopPersist = doc.OnUpdate(func([]byte, any) {
			if err := h.Save(doc.EncodeStateAsUpdate()); err != nil && !errors.Is(err, cache.ErrDestroyed) {
				glog.Warningf("[registry] persist %s: %v", h.Key(), err)
			}
		})
	}

	res.tracker = presence.NewTracker(r.opts.ClientID)
	if r.opts.Identity != (presence.Identity{}) {
		_ = res.tracker.SetIdentity(r.opts.Identity)
	}

	res.session = NewSession(SessionOptions{
		Key:         key,
		Endpoint:    r.opts.Endpoint,
		Transport:   r.opts.Transport,
		Doc:         res.doc,
		Presence:    res.tracker,
		BaseDelay:   r.opts.BaseDelay,
		MaxDelay:    r.opts.MaxDelay,
		MaxAttempts: r.opts.MaxAttempts,
		DialTimeout: r.opts.DialTimeout,
	})
	// connect only once document, cache and presence are wired
	res.session.Connect()
	return res
}

// Release drops one reference on key. Releasing an unknown key is a no-op.
func (r *Registry) Release(key RoomKey) {
	r.release(key.Token())
}

func (r *Registry) release(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[token]
	if !ok {
		return
	}
	e.refs--
	glog.V(1).Infof("[registry] release %s (refs=%d)", token, e.refs)
	if e.refs > 0 {
		return
	}
	delete(r.entries, token)
	r.dispose(e.res)
}

func (r *Registry) dispose(res *resources) {
	res.session.Close()
	if res.stopPersist != nil {
		res.stopPersist()
	}
	if res.cache != nil {
		var err error
		if r.opts.ClearCacheOnRelease {
			err = res.cache.Destroy()
		} else {
			err = res.cache.Save(res.doc.EncodeStateAsUpdate())
		}
		if err != nil {
			glog.Warningf("[registry] finalize cache %s: %v", res.cache.Key(), err)
		}
	}
	res.doc.Destroy()
}

// RefCount reports the live references on key.
func (r *Registry) RefCount(key RoomKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key.Token()]; ok {
		return e.refs
	}
	return 0
}

// Live is the number of room keys with live resources.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close disposes every entry regardless of outstanding references.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for token, e := range r.entries {
		delete(r.entries, token)
		r.dispose(e.res)
	}
}

// Handle is one consumer's reference. Consumers never dispose the shared
// resources directly; they call Release exactly once, further calls are
// ignored.
type Handle struct {
	reg   *Registry
	token string
	res   *resources
	once  sync.Once
}

func (h *Handle) Key() RoomKey                { return h.res.key }
func (h *Handle) Doc() crdt.Document          { return h.res.doc }
func (h *Handle) Session() *Session           { return h.res.session }
func (h *Handle) Presence() *presence.Tracker { return h.res.tracker }

// Cache is nil when persistence is disabled.
func (h *Handle) Cache() *cache.Handle { return h.res.cache }

func (h *Handle) Release() {
	h.once.Do(func() { h.reg.release(h.token) })
}
