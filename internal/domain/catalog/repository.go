package catalog

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/jmoiron/sqlx"
)

// ImageRepository is the typed data-access interface over the images
// table.
type ImageRepository interface {
	Create(ctx context.Context, img *Image) error
	GetByID(ctx context.Context, id string) (*Image, error)
	GetByName(ctx context.Context, name string) (*Image, error)
	GetByHash(ctx context.Context, hash string) (*Image, error)
	Update(ctx context.Context, img *Image) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, category, tag string) ([]Image, error)
	Search(ctx context.Context, keyword string) ([]Image, error)
	Random(ctx context.Context) (*Image, error)
	RandomByCategory(ctx context.Context, category string) (*Image, error)
	RandomByTag(ctx context.Context, tag string) (*Image, error)
	CountByCategory(ctx context.Context, category string) (int, error)
}

// CategoryRepository is the typed data-access interface over the
// categories table.
type CategoryRepository interface {
	Create(ctx context.Context, cat *Category) error
	GetByID(ctx context.Context, id string) (*Category, error)
	GetByName(ctx context.Context, name string) (*Category, error)
	List(ctx context.Context) ([]Category, error)
	Delete(ctx context.Context, id string) error
	SetCount(ctx context.Context, name string, count int) error
}

type imageRepository struct {
	db *sqlx.DB
}

// NewImageRepository creates an image repository.
func NewImageRepository(db *sqlx.DB) ImageRepository {
	return &imageRepository{db: db}
}

const imageCols = `id, name, category, tags, path, size, mime_type, image_hash, created_at`

func (r *imageRepository) Create(ctx context.Context, img *Image) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO images (id, name, category, tags, path, size, mime_type, image_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, img.ID, img.Name, img.Category, img.Tags, img.Path, img.Size, img.MimeType, img.ImageHash, img.CreatedAt)
	return err
}

func (r *imageRepository) GetByID(ctx context.Context, id string) (*Image, error) {
	return r.getOne(ctx, `SELECT `+imageCols+` FROM images WHERE id = $1`, id)
}

func (r *imageRepository) GetByName(ctx context.Context, name string) (*Image, error) {
	return r.getOne(ctx, `SELECT `+imageCols+` FROM images WHERE name = $1 LIMIT 1`, name)
}

func (r *imageRepository) GetByHash(ctx context.Context, hash string) (*Image, error) {
	return r.getOne(ctx, `SELECT `+imageCols+` FROM images WHERE image_hash = $1`, hash)
}

func (r *imageRepository) getOne(ctx context.Context, query string, arg interface{}) (*Image, error) {
	var img Image
	if err := r.db.GetContext(ctx, &img, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &img, nil
}

func (r *imageRepository) Update(ctx context.Context, img *Image) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE images SET name = $1, category = $2, tags = $3
		WHERE id = $4
	`, img.Name, img.Category, img.Tags, img.ID)
	return err
}

func (r *imageRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM images WHERE id = $1`, id)
	return err
}

func (r *imageRepository) List(ctx context.Context, category, tag string) ([]Image, error) {
	query := `SELECT ` + imageCols + ` FROM images WHERE 1=1`
	var args []interface{}
	if category != "" {
		args = append(args, category)
		query += ` AND category = $` + strconv.Itoa(len(args))
	}
	if tag != "" {
		args = append(args, tag)
		query += ` AND $` + strconv.Itoa(len(args)) + ` = ANY(tags)`
	}
	query += ` ORDER BY created_at DESC`

	var images []Image
	if err := r.db.SelectContext(ctx, &images, query, args...); err != nil {
		return nil, err
	}
	return images, nil
}

func (r *imageRepository) Search(ctx context.Context, keyword string) ([]Image, error) {
	query := `SELECT ` + imageCols + ` FROM images
		WHERE name ILIKE $1 OR EXISTS (SELECT 1 FROM unnest(tags) t WHERE t ILIKE $1)
		ORDER BY created_at DESC`
	var images []Image
	if err := r.db.SelectContext(ctx, &images, query, "%"+keyword+"%"); err != nil {
		return nil, err
	}
	return images, nil
}

func (r *imageRepository) Random(ctx context.Context) (*Image, error) {
	return r.getOne(ctx, `SELECT `+imageCols+` FROM images ORDER BY RANDOM() LIMIT 1`, nil)
}

func (r *imageRepository) RandomByCategory(ctx context.Context, category string) (*Image, error) {
	return r.getOne(ctx, `SELECT `+imageCols+` FROM images WHERE category = $1 ORDER BY RANDOM() LIMIT 1`, category)
}

func (r *imageRepository) RandomByTag(ctx context.Context, tag string) (*Image, error) {
	return r.getOne(ctx, `SELECT `+imageCols+` FROM images WHERE $1 = ANY(tags) ORDER BY RANDOM() LIMIT 1`, tag)
}

func (r *imageRepository) CountByCategory(ctx context.Context, category string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM images WHERE category = $1`, category)
	return count, err
}

type categoryRepository struct {
	db *sqlx.DB
}

// NewCategoryRepository creates a category repository.
func NewCategoryRepository(db *sqlx.DB) CategoryRepository {
	return &categoryRepository{db: db}
}

const categoryCols = `id, name, description, emoji_count, created_at`

func (r *categoryRepository) Create(ctx context.Context, cat *Category) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO categories (id, name, description, emoji_count, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO NOTHING
	`, cat.ID, cat.Name, cat.Description, cat.EmojiCount, cat.CreatedAt)
	return err
}

func (r *categoryRepository) GetByID(ctx context.Context, id string) (*Category, error) {
	var cat Category
	err := r.db.GetContext(ctx, &cat, `SELECT `+categoryCols+` FROM categories WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &cat, nil
}

func (r *categoryRepository) GetByName(ctx context.Context, name string) (*Category, error) {
	var cat Category
	err := r.db.GetContext(ctx, &cat, `SELECT `+categoryCols+` FROM categories WHERE name = $1`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &cat, nil
}

func (r *categoryRepository) List(ctx context.Context) ([]Category, error) {
	var cats []Category
	err := r.db.SelectContext(ctx, &cats, `SELECT `+categoryCols+` FROM categories ORDER BY name ASC`)
	return cats, err
}

func (r *categoryRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM categories WHERE id = $1`, id)
	return err
}

func (r *categoryRepository) SetCount(ctx context.Context, name string, count int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE categories SET emoji_count = $1 WHERE name = $2`, count, name)
	return err
}
