package versions

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
	"github.com/sergi/go-diff/diffmatchpatch"

	"collabtext/internal/protocol"
)

const (
	DefaultDiffTimeout  = time.Second
	DefaultDiffEditCost = 4
)

// Notifier delivers domain events to the watchers of a document.
type Notifier interface {
	Publish(documentID string, kind protocol.Kind, payload any) error
}

type Options struct {
	Notifier     Notifier
	DiffTimeout  time.Duration
	DiffEditCost int
	Now          func() time.Time
}

type Service struct {
	store  Store
	notify Notifier
	dmp    *diffmatchpatch.DiffMatchPatch
	now    func() time.Time
}

func NewService(store Store, opts Options) *Service {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = DefaultDiffTimeout
	if opts.DiffTimeout > 0 {
		dmp.DiffTimeout = opts.DiffTimeout
	}
	dmp.DiffEditCost = DefaultDiffEditCost
	if opts.DiffEditCost > 0 {
		dmp.DiffEditCost = opts.DiffEditCost
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{store: store, notify: opts.Notifier, dmp: dmp, now: opts.Now}
}

// Save appends content as the next version of documentID.
func (s *Service) Save(ctx context.Context, documentID, content, author string) (Version, error) {
	if documentID == "" {
		return Version{}, ErrNoDocument
	}
	v, err := s.store.Append(ctx, documentID, func(prev *Version) (Version, error) {
		return s.next(prev, content, author, 0), nil
	})
	if err != nil {
		return Version{}, fmt.Errorf("save %s: %w", documentID, err)
	}
	glog.Infof("[versions] %s saved as v%d by %q", documentID, v.Sequence, v.Author)
	s.publish(documentID, protocol.KindVersionCreated, v)
	return v, nil
}

// Restore appends a copy of version seq. History before it is untouched.
func (s *Service) Restore(ctx context.Context, documentID string, seq int, author string) (Version, error) {
	src, err := s.store.Get(ctx, documentID, seq)
	if err != nil {
		return Version{}, fmt.Errorf("restore %s/%d: %w", documentID, seq, err)
	}
	v, err := s.store.Append(ctx, documentID, func(prev *Version) (Version, error) {
		return s.next(prev, src.Content, author, src.Sequence), nil
	})
	if err != nil {
		return Version{}, fmt.Errorf("restore %s/%d: %w", documentID, seq, err)
	}
	glog.Infof("[versions] %s v%d restored as v%d", documentID, seq, v.Sequence)
	s.publish(documentID, protocol.KindVersionRestored, v)
	return v, nil
}

func (s *Service) next(prev *Version, content, author string, restoredFrom int) Version {
	base := ""
	if prev != nil {
		base = prev.Content
	}
	return Version{
		ID:           ulid.Make().String(),
		Content:      content,
		Diff:         s.dmp.DiffToDelta(s.diff(base, content)),
		Author:       author,
		CreatedAt:    s.now().UTC(),
		RestoredFrom: restoredFrom,
	}
}

func (s *Service) diff(from, to string) []diffmatchpatch.Diff {
	diffs := s.dmp.DiffMain(from, to, true)
	return s.dmp.DiffCleanupSemantic(diffs)
}

func (s *Service) publish(documentID string, kind protocol.Kind, v Version) {
	if s.notify == nil {
		return
	}
	err := s.notify.Publish(documentID, kind, Summary{
		ID:           v.ID,
		Sequence:     v.Sequence,
		Author:       v.Author,
		CreatedAt:    v.CreatedAt,
		RestoredFrom: v.RestoredFrom,
	})
	if err != nil {
		glog.Warningf("[versions] notify %s for %s: %v", kind, documentID, err)
	}
}

// Summary is the payload of version domain events; content stays out of
// the broadcast.
type Summary struct {
	ID           string    `json:"id"`
	Sequence     int       `json:"sequence"`
	Author       string    `json:"author,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	RestoredFrom int       `json:"restoredFrom,omitempty"`
}

func (s *Service) Get(ctx context.Context, documentID string, seq int) (Version, error) {
	return s.store.Get(ctx, documentID, seq)
}

func (s *Service) List(ctx context.Context, documentID string) ([]Version, error) {
	return s.store.List(ctx, documentID)
}

// Delete always fails: history is append-only.
func (s *Service) Delete(_ context.Context, documentID string, seq int) error {
	return fmt.Errorf("delete %s/%d: %w", documentID, seq, ErrDeleteForbidden)
}

// Ref names one version of one document.
type Ref struct {
	DocumentID string
	Sequence   int
}

type Change struct {
	Op   string `json:"op"`
	Text string `json:"text"`
}

type Comparison struct {
	DocumentID string   `json:"documentId"`
	From       int      `json:"from"`
	To         int      `json:"to"`
	Changes    []Change `json:"changes"`
	// Patch is the unified diff-match-patch patch text from From to To.
	Patch string `json:"patch"`
}

// Compare diffs two versions of the same document. Versions of different
// documents are rejected with ErrCrossDocument before anything is loaded.
func (s *Service) Compare(ctx context.Context, from, to Ref) (Comparison, error) {
	if from.DocumentID != to.DocumentID {
		return Comparison{}, fmt.Errorf("compare %s/%d with %s/%d: %w",
			from.DocumentID, from.Sequence, to.DocumentID, to.Sequence, ErrCrossDocument)
	}
	a, err := s.store.Get(ctx, from.DocumentID, from.Sequence)
	if err != nil {
		return Comparison{}, fmt.Errorf("compare from %d: %w", from.Sequence, err)
	}
	b, err := s.store.Get(ctx, to.DocumentID, to.Sequence)
	if err != nil {
		return Comparison{}, fmt.Errorf("compare to %d: %w", to.Sequence, err)
	}
	diffs := s.diff(a.Content, b.Content)
	changes := make([]Change, 0, len(diffs))
	for _, d := range diffs {
		changes = append(changes, Change{Op: opName(d.Type), Text: d.Text})
	}
	return Comparison{
		DocumentID: a.DocumentID,
		From:       a.Sequence,
		To:         b.Sequence,
		Changes:    changes,
		Patch:      s.dmp.PatchToText(s.dmp.PatchMake(a.Content, diffs)),
	}, nil
}

func opName(op diffmatchpatch.Operation) string {
	switch op {
	case diffmatchpatch.DiffInsert:
		return "insert"
	case diffmatchpatch.DiffDelete:
		return "delete"
	}
	return "equal"
}
