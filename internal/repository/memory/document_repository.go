package memory

import (
	"time"

	"github.com/patrickmn/go-cache"

	"kb-gateway-be/internal/entity"
)

// DocumentRepository tracks documents the gateway has submitted for
// indexing. Terminal records age out after a day; deletion stops
// tracking immediately.
type DocumentRepository struct {
	cache *cache.Cache
}

func NewDocumentRepository() *DocumentRepository {
	c := cache.New(24*time.Hour, 1*time.Hour)
	return &DocumentRepository{
		cache: c,
	}
}

func (r *DocumentRepository) Save(document *entity.Document) {
	r.cache.Set(document.Id.String(), document, cache.DefaultExpiration)
}

func (r *DocumentRepository) Get(documentID string) (*entity.Document, bool) {
	if x, found := r.cache.Get(documentID); found {
		return x.(*entity.Document), true
	}
	return nil, false
}

func (r *DocumentRepository) Delete(documentID string) {
	r.cache.Delete(documentID)
}

func (r *DocumentRepository) All() []*entity.Document {
	items := r.cache.Items()
	documents := make([]*entity.Document, 0, len(items))
	for _, item := range items {
		documents = append(documents, item.Object.(*entity.Document))
	}
	return documents
}
