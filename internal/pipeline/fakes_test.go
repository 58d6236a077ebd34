package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"item-image-pipeline/internal/backoff"
	"item-image-pipeline/internal/failure"
	"item-image-pipeline/internal/imageproc"
	"item-image-pipeline/internal/models"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// memStore mirrors the guarded writes of the Postgres adapter.
type memStore struct {
	mu         sync.Mutex
	items      map[uuid.UUID]*models.Item
	jobs       map[uuid.UUID]*models.Job
	claimLimit int
}

func newMemStore() *memStore {
	return &memStore{items: map[uuid.UUID]*models.Item{}, jobs: map[uuid.UUID]*models.Job{}}
}

func (s *memStore) addItem(original string) *models.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := &models.Item{ID: uuid.New(), UserID: uuid.New(), OriginalKey: original, Status: models.ItemStatusPending}
	s.items[it.ID] = it
	return it
}

func (s *memStore) addJob(item *models.Item, status models.JobStatus, attempt int, createdAt time.Time) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := &models.Job{
		ID:           uuid.New(),
		ItemID:       item.ID,
		OriginalKey:  item.OriginalKey,
		Status:       status,
		AttemptCount: attempt,
		MaxAttempts:  models.DefaultMaxAttempts,
		CreatedAt:    createdAt,
	}
	s.jobs[job.ID] = job
	return job
}

func (s *memStore) job(id uuid.UUID) models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *memStore) item(id uuid.UUID) models.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.items[id]
}

func (s *memStore) GetItem(_ context.Context, id uuid.UUID) (*models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, models.ErrItemNotFound
	}
	cp := *it
	return &cp, nil
}

func (s *memStore) MarkItemProcessing(_ context.Context, id uuid.UUID, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return models.ErrItemNotFound
	}
	if !it.Status.Eligible() {
		return models.ErrItemNotEligible
	}
	it.Status = models.ItemStatusProcessing
	return nil
}

func (s *memStore) FailItem(_ context.Context, id uuid.UUID, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return models.ErrItemNotFound
	}
	it.CleanKey, it.ThumbKey, it.Status = nil, nil, models.ItemStatusFailed
	return nil
}

func (s *memStore) SetItemStatus(_ context.Context, id uuid.UUID, status models.ItemStatus, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[id]; ok && it.Status == models.ItemStatusProcessing {
		it.Status = status
	}
	return nil
}

func (s *memStore) EnqueueJob(_ context.Context, itemID uuid.UUID, originalKey string, maxAttempts int, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ItemID == itemID && j.OriginalKey == originalKey {
			return false, nil
		}
	}
	job := &models.Job{
		ID: uuid.New(), ItemID: itemID, OriginalKey: originalKey,
		Status: models.JobStatusPending, MaxAttempts: maxAttempts, CreatedAt: now,
	}
	s.jobs[job.ID] = job
	return true, nil
}

func (s *memStore) FindJob(_ context.Context, itemID uuid.UUID, originalKey string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ItemID == itemID && j.OriginalKey == originalKey {
			cp := *j
			return &cp, nil
		}
	}
	return nil, models.ErrJobNotFound
}

func (s *memStore) ClaimBatch(_ context.Context, limit int, now time.Time) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimLimit = limit
	var eligible []*models.Job
	for _, j := range s.jobs {
		if j.Eligible(now) {
			eligible = append(eligible, j)
		}
	}
	slices.SortFunc(eligible, func(a, b *models.Job) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}
	out := make([]models.Job, 0, len(eligible))
	for _, j := range eligible {
		_ = models.Transition(j, models.JobStatusProcessing)
		started := now
		j.StartedAt = &started
		out = append(out, *j)
	}
	return out, nil
}

func (s *memStore) ClaimJob(_ context.Context, jobID uuid.UUID, now time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || models.Transition(j, models.JobStatusProcessing) != nil {
		return nil, models.ErrJobUnavailable
	}
	started := now
	j.StartedAt = &started
	cp := *j
	return &cp, nil
}

// held returns the stored job while it still carries job's claim.
func (s *memStore) held(job models.Job) (*models.Job, bool) {
	j, ok := s.jobs[job.ID]
	if !ok || j.Status != models.JobStatusProcessing || j.AttemptCount != job.AttemptCount {
		return nil, false
	}
	if j.StartedAt == nil || job.StartedAt == nil || !j.StartedAt.Equal(*job.StartedAt) {
		return nil, false
	}
	return j, true
}

func (s *memStore) MarkComplete(_ context.Context, job models.Job, keys models.ImageKeys, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.held(job)
	if !ok {
		return models.ErrJobUnavailable
	}
	it, ok := s.items[job.ItemID]
	if !ok {
		return models.ErrItemNotFound
	}
	_ = models.Transition(j, models.JobStatusComplete)
	j.CompletedAt, j.NextRetryAt = &now, nil
	clean, thumb := keys.Clean, keys.Thumb
	it.CleanKey, it.ThumbKey, it.Status = &clean, &thumb, models.ItemStatusComplete
	return nil
}

func (s *memStore) ScheduleRetry(_ context.Context, job models.Job, next time.Time, code failure.Code, cat failure.Category, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.held(job)
	if !ok || !j.CanRetry() {
		return models.ErrJobUnavailable
	}
	_ = models.Transition(j, models.JobStatusPending)
	j.AttemptCount++
	j.NextRetryAt, j.StartedAt = &next, nil
	c, k := string(code), string(cat)
	j.LastErrorCode, j.LastErrorCategory = &c, &k
	return nil
}

func (s *memStore) MarkFailed(_ context.Context, job models.Job, code failure.Code, cat failure.Category, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.held(job)
	if !ok {
		return models.ErrJobUnavailable
	}
	_ = models.Transition(j, models.JobStatusFailed)
	j.CompletedAt, j.NextRetryAt = &now, nil
	c, k := string(code), string(cat)
	j.LastErrorCode, j.LastErrorCategory = &c, &k
	return nil
}

func (s *memStore) FindStale(_ context.Context, threshold time.Duration, now time.Time) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, j := range s.jobs {
		if j.Status == models.JobStatusProcessing && j.StartedAt != nil && j.StartedAt.Before(now.Add(-threshold)) {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *memStore) RequeueStale(_ context.Context, job models.Job, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.held(job)
	if !ok || j.AttemptCount >= j.MaxAttempts {
		return models.ErrJobUnavailable
	}
	_ = models.Transition(j, models.JobStatusPending)
	j.AttemptCount++
	j.NextRetryAt, j.StartedAt = &now, nil
	return nil
}

type memBlob struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploadErr map[string]error
}

func newMemBlob() *memBlob {
	return &memBlob{objects: map[string][]byte{}, uploadErr: map[string]error{}}
}

func (b *memBlob) put(key string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
}

func (b *memBlob) get(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	return data, ok
}

func (b *memBlob) Download(_ context.Context, key string) ([]byte, error) {
	data, ok := b.get(key)
	if !ok {
		return nil, failure.NotFound("memBlob.Download", errors.New(key))
	}
	return data, nil
}

func (b *memBlob) Upload(_ context.Context, key string, data []byte, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.uploadErr[key]; err != nil {
		return err
	}
	b.objects[key] = data
	return nil
}

// removerFunc adapts a function to Remover.
type removerFunc func(ctx context.Context, img []byte) ([]byte, error)

func (f removerFunc) RemoveBackground(ctx context.Context, img []byte) ([]byte, error) {
	return f(ctx, img)
}

func passthrough() removerFunc {
	return func(_ context.Context, img []byte) ([]byte, error) { return img, nil }
}

type recordingNotifier struct {
	mu       sync.Mutex
	outcomes []models.JobOutcome
}

func (n *recordingNotifier) Publish(_ context.Context, o models.JobOutcome) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outcomes = append(n.outcomes, o)
	return nil
}

type recordingCache struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (c *recordingCache) Invalidate(_ context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
	return nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := h / 4; y < 3*h/4; y++ {
		for x := w / 4; x < 3*w/4; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// fixedRand pins jitter to zero.
func fixedRand() float64 { return 0.5 }

type harness struct {
	store    *memStore
	blob     *memBlob
	notifier *recordingNotifier
	cache    *recordingCache
	executor *Executor
}

func newHarness(t *testing.T, remover Remover) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(),
		blob:     newMemBlob(),
		notifier: &recordingNotifier{},
		cache:    &recordingCache{},
	}
	h.executor = NewExecutor(Deps{
		Store:    h.store,
		Blob:     h.blob,
		Remover:  remover,
		Imager:   imageproc.NewProcessor(imageproc.Options{ThumbnailSize: 20, CleanMaxEdge: 64}),
		Notifier: h.notifier,
		Cache:    h.cache,
		Log:      zap.NewNop(),
	}, backoff.Policy{Base: time.Second, Max: time.Minute, Jitter: 0.25, Rand: fixedRand}, time.Second)
	h.executor.now = func() time.Time { return testNow }
	return h
}

// seed creates an item with an uploaded original and a claimed job for it.
func (h *harness) seed(t *testing.T, original []byte, attempt int) (*models.Item, models.Job) {
	t.Helper()
	item := h.store.addItem("originals/" + uuid.NewString() + ".png")
	h.blob.put(item.OriginalKey, original)
	job := h.store.addJob(item, models.JobStatusPending, attempt, testNow.Add(-time.Minute))
	claimed, err := h.store.ClaimJob(context.Background(), job.ID, testNow)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return item, *claimed
}
