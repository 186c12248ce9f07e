package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mwork/mwork-api/internal/domain/aicache"
	"github.com/mwork/mwork-api/internal/domain/aitask"
	"github.com/mwork/mwork-api/internal/pkg/blobstore"
	"github.com/mwork/mwork-api/internal/pkg/imageinspect"
	"github.com/mwork/mwork-api/internal/pkg/visionclient"
)

// wakeChannel is the pub/sub channel new tasks are announced on. The
// enrichment-worker process subscribes to it but only drains it; the
// Worker's polling loop is the source of truth and finds a new task on its
// next poll (see internal/worker).
const wakeChannel = "tasks:new"

// sampleFrameCount is how many frames are sampled from animated input
// before a vision call, both at ingest time (inline enrichment) and during
// synchronous analyze-image.
const sampleFrameCount = 4

// ErrVisionUnavailable is returned by AnalyzeImage when no vision client
// is configured.
var ErrVisionUnavailable = errors.New("catalog: no vision client configured")

// IngestOptions are the user-supplied fields accompanying an ingest call.
type IngestOptions struct {
	Name     string
	Category string
	Tags     []string
	Enrich   bool
}

// AIPolicy bundles the configuration knobs (spec.md §6) that gate how
// much the catalog relies on the vision model, separate from whether a
// model is configured at all.
type AIPolicy struct {
	// AutoCategorize lets an AI result's category/newCategory override
	// the image's category. When false, AI results still update name,
	// tags, and description, but the category is left untouched.
	AutoCategorize bool

	// AutoAnalyze gates whether the catalog ever calls the vision model
	// for enrichment (queued or inline) or synchronous re-analyze. A
	// cache hit still applies, since that does not use the model.
	AutoAnalyze bool

	// PersistAiTasks selects between the queued pipeline and inline
	// (blocking) enrichment on a cache miss.
	PersistAiTasks bool

	// AcceptedImageTypes and EnableImageTypeFilter configure the
	// pre-ingest type filter: when filtering is enabled and the list is
	// non-empty, a model call classifies the image before it is stored.
	AcceptedImageTypes    []string
	EnableImageTypeFilter bool
}

// Service implements the Catalog (C5): image lifecycle, duplicate
// rejection, metadata mutation, and the cache-hit half of enrichment.
type Service struct {
	images     ImageRepository
	categories CategoryRepository
	blobs      *blobstore.Store
	cache      aicache.Repository
	queue      aitask.Queue
	vision     visionclient.Client
	redis      *redis.Client
	policy     AIPolicy
}

// NewService constructs a Catalog service. redis and vision may both be
// nil — a nil redis client disables the wake publish, a nil vision client
// disables inline (persistAiTasks=false) enrichment and AnalyzeImage.
func NewService(
	images ImageRepository,
	categories CategoryRepository,
	blobs *blobstore.Store,
	cache aicache.Repository,
	queue aitask.Queue,
	vision visionclient.Client,
	redisClient *redis.Client,
	policy AIPolicy,
) *Service {
	return &Service{
		images:     images,
		categories: categories,
		blobs:      blobs,
		cache:      cache,
		queue:      queue,
		vision:     vision,
		redis:      redisClient,
		policy:     policy,
	}
}

// IngestFromBytes stores data as a new image. Duplicate content (by
// SHA-256) fails with a *DuplicateError wrapping ErrDuplicate.
func (s *Service) IngestFromBytes(ctx context.Context, opts IngestOptions, data []byte) (*Image, error) {
	format, err := imageinspect.DetectFormat(data)
	if err != nil {
		return nil, ErrInvalidFormat
	}
	if err := s.checkImageType(ctx, data, format); err != nil {
		return nil, err
	}
	hash := imageinspect.Hash(data)

	existing, err := s.images.GetByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("check duplicate: %w", err)
	}
	if existing != nil {
		return nil, &DuplicateError{ExistingName: existing.Name}
	}

	id := uuid.New().String()
	path, err := s.blobs.Write(id, format.Ext(), data)
	if err != nil {
		return nil, fmt.Errorf("write image bytes: %w", err)
	}

	return s.finishIngest(ctx, opts, id, path, data, format, hash)
}

// IngestFromPath stores the file at srcPath as a new image, moving it into
// the Blob Store (rename, falling back to copy-then-unlink across
// filesystems). The duplicate check happens before the move; on a
// duplicate, srcPath is removed since the caller's temp file is no longer
// needed.
func (s *Service) IngestFromPath(ctx context.Context, opts IngestOptions, srcPath string) (*Image, error) {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return nil, fmt.Errorf("read source file: %w", err)
	}
	format, err := imageinspect.DetectFormat(data)
	if err != nil {
		return nil, ErrInvalidFormat
	}
	if err := s.checkImageType(ctx, data, format); err != nil {
		os.Remove(srcPath)
		return nil, err
	}
	hash := imageinspect.Hash(data)

	existing, err := s.images.GetByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("check duplicate: %w", err)
	}
	if existing != nil {
		os.Remove(srcPath)
		return nil, &DuplicateError{ExistingName: existing.Name}
	}

	id := uuid.New().String()
	path, err := s.blobs.MoveIn(id, format.Ext(), srcPath)
	if err != nil {
		return nil, fmt.Errorf("move image into storage: %w", err)
	}

	return s.finishIngest(ctx, opts, id, path, data, format, hash)
}

// checkImageType runs the pre-ingest type filter (spec.md §6's
// acceptedImageTypes/enableImageTypeFilter): when enabled and a non-empty
// type list is configured, the model is asked whether the image matches
// one of those types. A model error fails open (a transient vision
// outage should not block every upload); an explicit "no" fails closed
// with ErrImageTypeRejected.
func (s *Service) checkImageType(ctx context.Context, data []byte, format imageinspect.Format) error {
	if !s.policy.EnableImageTypeFilter || len(s.policy.AcceptedImageTypes) == 0 {
		return nil
	}
	if s.vision == nil {
		return nil
	}

	frames := imageinspect.PrepareFrames(data, sampleFrameCount, format)

	fields, err := s.vision.Analyze(ctx, frames, format.MimeType(), visionclient.PromptTypeCheck)
	if err != nil {
		log.Warn().Err(err).Msg("image type check failed, allowing ingest")
		return nil
	}
	if fields == nil || !strings.EqualFold(strings.TrimSpace(fields.Description), "yes") {
		return ErrImageTypeRejected
	}
	return nil
}

// finishIngest is the common tail of both ingest paths: insert the row,
// maintain the category count, and (if requested) apply a cached AI
// result or enroll enrichment work.
//
// Known limitation (§9 open question): if the row insert fails, the file
// already written/moved into the Blob Store is not rolled back.
func (s *Service) finishIngest(ctx context.Context, opts IngestOptions, id, path string, data []byte, format imageinspect.Format, hash string) (*Image, error) {
	category := opts.Category
	if category == "" {
		category = defaultCategory
	}
	name := opts.Name
	if name == "" {
		name = id
	}

	img := &Image{
		ID:        id,
		Name:      name,
		Category:  category,
		Tags:      TagSet(opts.Tags),
		Path:      path,
		Size:      int64(len(data)),
		MimeType:  format.MimeType(),
		ImageHash: hash,
		CreatedAt: time.Now(),
	}

	if err := s.images.Create(ctx, img); err != nil {
		log.Error().Err(err).Str("image_id", id).Str("path", path).Msg("create image row failed, stored file left in place")
		return nil, fmt.Errorf("create image row: %w", err)
	}

	if err := s.ensureCategory(ctx, category); err != nil {
		log.Error().Err(err).Str("category", category).Msg("ensure category failed")
	}
	if err := s.recalcCategoryCount(ctx, category); err != nil {
		log.Error().Err(err).Str("category", category).Msg("recompute category count failed")
	}

	log.Info().Str("image_id", img.ID).Str("image_hash", img.ImageHash).Msg("image-added")

	if opts.Enrich {
		s.enrich(ctx, img, data, format)
	}

	return img, nil
}

// enrich implements the post-insert half of ingest_from_bytes/_path: a
// cache hit is applied immediately; a miss either enqueues a task or, if
// task persistence is disabled, runs the vision call inline.
func (s *Service) enrich(ctx context.Context, img *Image, data []byte, format imageinspect.Format) {
	cached, err := s.cache.Get(ctx, img.ImageHash)
	if err != nil {
		log.Error().Err(err).Str("image_id", img.ID).Msg("cache lookup failed")
		return
	}
	if cached != nil {
		var fields aicache.Fields
		if err := json.Unmarshal([]byte(cached.ResultJSON), &fields); err != nil {
			log.Error().Err(err).Str("image_id", img.ID).Msg("decode cached result failed")
			return
		}
		if err := s.applyAIFields(ctx, img, &fields); err != nil {
			log.Error().Err(err).Str("image_id", img.ID).Msg("apply cached result failed")
		}
		return
	}

	if !s.policy.AutoAnalyze {
		return
	}

	if !s.policy.PersistAiTasks {
		s.enrichInline(ctx, img, data, format)
		return
	}

	if _, err := s.queue.Enqueue(ctx, img.ID, img.Path, img.ImageHash); err != nil {
		if !errors.Is(err, aitask.ErrAlreadyEnqueued) {
			log.Error().Err(err).Str("image_id", img.ID).Msg("enqueue task failed")
		}
		return
	}
	s.publishWake(ctx)
}

// enrichInline runs the vision call synchronously within the ingest
// request when persistAiTasks is false. Failure here is swallowed (the
// caller still gets their image back) since enrichment failure was never
// meant to fail the ingest.
func (s *Service) enrichInline(ctx context.Context, img *Image, data []byte, format imageinspect.Format) {
	if s.vision == nil {
		return
	}
	frames := imageinspect.PrepareFrames(data, sampleFrameCount, format)

	fields, err := s.vision.Analyze(ctx, frames, format.MimeType(), visionclient.PromptEnrich)
	if err != nil {
		log.Error().Err(err).Str("image_id", img.ID).Msg("inline enrichment failed")
		return
	}

	resultJSON, err := json.Marshal(fields)
	if err != nil {
		log.Error().Err(err).Str("image_id", img.ID).Msg("marshal ai result failed")
		return
	}
	if err := s.cache.Put(ctx, img.ImageHash, string(resultJSON)); err != nil {
		log.Error().Err(err).Str("image_id", img.ID).Msg("cache put failed")
	}
	if err := s.applyAIFields(ctx, img, fields); err != nil {
		log.Error().Err(err).Str("image_id", img.ID).Msg("apply inline result failed")
	}
}

// ApplyAIResult is the Worker's success-path entry into the Catalog: it
// applies the merge rule to the named image and persists it. A missing
// image (deleted mid-processing) is a clean no-op (B2), since the Worker
// must tolerate the image row vanishing.
func (s *Service) ApplyAIResult(ctx context.Context, emojiID string, fields *aicache.Fields) error {
	img, err := s.images.GetByID(ctx, emojiID)
	if err != nil {
		return err
	}
	if img == nil {
		return nil
	}
	return s.applyAIFields(ctx, img, fields)
}

// applyAIFields centralizes the merge rule application used by both the
// cache-hit ingest path and the Worker's success path (§9: merge rule
// duplication must be centralized).
func (s *Service) applyAIFields(ctx context.Context, img *Image, fields *aicache.Fields) error {
	if !s.policy.AutoCategorize && fields != nil && (fields.Category != "" || fields.NewCategory != "") {
		suppressed := *fields
		suppressed.Category = ""
		suppressed.NewCategory = ""
		fields = &suppressed
	}

	if fields != nil && fields.NewCategory != "" {
		if err := s.ensureCategory(ctx, fields.NewCategory); err != nil {
			return fmt.Errorf("ensure new category: %w", err)
		}
	}

	original := Fields{Name: img.Name, Category: img.Category, Tags: img.Tags}
	merged := Merge(original, fields)

	oldCategory := img.Category
	img.Name = merged.Name
	img.Category = merged.Category
	img.Tags = TagSet(merged.Tags)

	if err := s.images.Update(ctx, img); err != nil {
		return fmt.Errorf("persist merged image: %w", err)
	}

	if oldCategory != img.Category {
		if err := s.recalcCategoryCount(ctx, oldCategory); err != nil {
			log.Error().Err(err).Str("category", oldCategory).Msg("recompute category count failed")
		}
		if err := s.recalcCategoryCount(ctx, img.Category); err != nil {
			log.Error().Err(err).Str("category", img.Category).Msg("recompute category count failed")
		}
	}

	log.Info().Str("image_id", img.ID).Msg("image-updated")
	return nil
}

// ensureCategory creates a category row for name if one does not already
// exist, with a marker description — the auto-creation behavior spec
// describes for AI-proposed newCategory values, generalized to any
// category name the catalog is asked to use so emoji_count accounting
// (P5) always has a row to land on.
func (s *Service) ensureCategory(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	existing, err := s.categories.GetByName(ctx, name)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return s.categories.Create(ctx, &Category{
		ID:          uuid.New().String(),
		Name:        name,
		Description: "auto-created",
		CreatedAt:   time.Now(),
	})
}

func (s *Service) recalcCategoryCount(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	count, err := s.images.CountByCategory(ctx, name)
	if err != nil {
		return err
	}
	return s.categories.SetCount(ctx, name, count)
}

func (s *Service) publishWake(ctx context.Context) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Publish(ctx, wakeChannel, "1").Err(); err != nil {
		log.Warn().Err(err).Msg("wake publish failed, worker still polls")
	}
}

// Delete removes an image's file and row, and recomputes its category's
// count. It does not touch any in-flight task for the image — a worker
// processing a deleted image must end cleanly (B2).
func (s *Service) Delete(ctx context.Context, id string) error {
	img, err := s.images.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if img == nil {
		return ErrImageNotFound
	}
	if err := s.images.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete image row: %w", err)
	}
	if err := s.blobs.Delete(img.Path); err != nil {
		log.Error().Err(err).Str("image_id", id).Str("path", img.Path).Msg("delete image file failed")
	}
	if err := s.recalcCategoryCount(ctx, img.Category); err != nil {
		log.Error().Err(err).Str("category", img.Category).Msg("recompute category count failed")
	}
	log.Info().Str("image_id", id).Msg("image-deleted")
	return nil
}

func (s *Service) getOrNotFound(ctx context.Context, id string) (*Image, error) {
	img, err := s.images.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, ErrImageNotFound
	}
	return img, nil
}

// UpdateName sets a new display name for an image.
func (s *Service) UpdateName(ctx context.Context, id, name string) (*Image, error) {
	img, err := s.getOrNotFound(ctx, id)
	if err != nil {
		return nil, err
	}
	img.Name = name
	if err := s.images.Update(ctx, img); err != nil {
		return nil, err
	}
	return img, nil
}

// UpdateCategory moves an image to a new category, recomputing both the
// source and destination category's counts.
func (s *Service) UpdateCategory(ctx context.Context, id, category string) (*Image, error) {
	img, err := s.getOrNotFound(ctx, id)
	if err != nil {
		return nil, err
	}
	old := img.Category
	img.Category = category
	if err := s.images.Update(ctx, img); err != nil {
		return nil, err
	}
	if old != category {
		if err := s.ensureCategory(ctx, category); err != nil {
			return nil, err
		}
		s.recalcCategoryCount(ctx, old)
		s.recalcCategoryCount(ctx, category)
	}
	return img, nil
}

// UpdateTags replaces an image's tag set.
func (s *Service) UpdateTags(ctx context.Context, id string, tags []string) (*Image, error) {
	img, err := s.getOrNotFound(ctx, id)
	if err != nil {
		return nil, err
	}
	img.Tags = TagSet(tags)
	if err := s.images.Update(ctx, img); err != nil {
		return nil, err
	}
	return img, nil
}

// List returns images filtered by category and/or tag; empty strings mean
// "no filter" on that dimension.
func (s *Service) List(ctx context.Context, category, tag string) ([]Image, error) {
	return s.images.List(ctx, category, tag)
}

// Search returns images whose name or any tag contains keyword
// (case-insensitive substring match).
func (s *Service) Search(ctx context.Context, keyword string) ([]Image, error) {
	return s.images.Search(ctx, keyword)
}

// GetByIDOrName resolves either an image id or, failing that, an exact
// name match — the lookup semantics GET /get/:id uses.
func (s *Service) GetByIDOrName(ctx context.Context, idOrName string) (*Image, error) {
	img, err := s.images.GetByID(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if img != nil {
		return img, nil
	}
	img, err = s.images.GetByName(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, ErrImageNotFound
	}
	return img, nil
}

// RandomImage returns a random live image, optionally restricted to a
// category or a tag (at most one of the two is honored; category wins if
// both are given).
func (s *Service) RandomImage(ctx context.Context, category, tag string) (*Image, error) {
	var (
		img *Image
		err error
	)
	switch {
	case category != "":
		img, err = s.images.RandomByCategory(ctx, category)
	case tag != "":
		img, err = s.images.RandomByTag(ctx, tag)
	default:
		img, err = s.images.Random(ctx)
	}
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, ErrImageNotFound
	}
	return img, nil
}

// ListCategories returns every known category.
func (s *Service) ListCategories(ctx context.Context) ([]Category, error) {
	return s.categories.List(ctx)
}

// ListTags returns the distinct set of tags across all live images.
func (s *Service) ListTags(ctx context.Context) ([]string, error) {
	images, err := s.images.List(ctx, "", "")
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var tags []string
	for _, img := range images {
		for _, tag := range img.Tags {
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			tags = append(tags, tag)
		}
	}
	return tags, nil
}

// AddCategory creates a category explicitly (the add-category service
// operation); it is a thin wrapper so admins can pre-create categories
// with a real description instead of relying on auto-creation.
func (s *Service) AddCategory(ctx context.Context, name, description string) (*Category, error) {
	existing, err := s.categories.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	cat := &Category{ID: uuid.New().String(), Name: name, Description: description, CreatedAt: time.Now()}
	if err := s.categories.Create(ctx, cat); err != nil {
		return nil, err
	}
	return cat, nil
}

// DeleteCategory removes a category by id. Images already assigned to it
// keep their category string; they simply no longer match a known
// category row until reassigned.
func (s *Service) DeleteCategory(ctx context.Context, id string) error {
	cat, err := s.categories.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if cat == nil {
		return ErrCategoryNotFound
	}
	return s.categories.Delete(ctx, id)
}

// AnalyzeImage performs a synchronous re-analysis of one image: unlike
// ingest enrichment, failure here is surfaced directly to the caller
// rather than retried.
func (s *Service) AnalyzeImage(ctx context.Context, id string) (*Image, error) {
	if s.vision == nil || !s.policy.AutoAnalyze {
		return nil, ErrVisionUnavailable
	}
	img, err := s.getOrNotFound(ctx, id)
	if err != nil {
		return nil, err
	}

	data, err := s.blobs.Read(img.Path)
	if err != nil {
		return nil, fmt.Errorf("read image file: %w", err)
	}
	format, err := imageinspect.DetectFormat(data)
	if err != nil {
		return nil, fmt.Errorf("detect stored image format: %w", err)
	}

	frames := imageinspect.PrepareFrames(data, sampleFrameCount, format)

	fields, err := s.vision.Analyze(ctx, frames, img.MimeType, visionclient.PromptEnrich)
	if err != nil {
		return nil, err
	}

	resultJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Put(ctx, img.ImageHash, string(resultJSON)); err != nil {
		return nil, err
	}
	if err := s.applyAIFields(ctx, img, fields); err != nil {
		return nil, err
	}
	return img, nil
}

// EnqueueAnalysis inserts a PENDING task for id, used by the
// reanalyze-batch admin operation. A non-terminal task already existing
// is treated as success (L2: re-enqueue is a no-op).
func (s *Service) EnqueueAnalysis(ctx context.Context, id string) error {
	img, err := s.getOrNotFound(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.queue.Enqueue(ctx, img.ID, img.Path, img.ImageHash)
	if err != nil && !errors.Is(err, aitask.ErrAlreadyEnqueued) {
		return err
	}
	s.publishWake(ctx)
	return nil
}
