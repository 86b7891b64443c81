package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/Strob0t/taskforge/internal/port/cache"
	"github.com/Strob0t/taskforge/internal/port/classifier"
)

// classificationKeyPrefix namespaces cache keys. NATS KV keys allow '.'
// but not ':'.
const classificationKeyPrefix = "classification."

// CachingClassifier reuses classifier verdicts for identical descriptions.
// Cache failures never fail a classification.
type CachingClassifier struct {
	next  classifier.Classifier
	cache cache.Cache
	ttl   time.Duration
}

// NewCachingClassifier wraps next with a cache.
func NewCachingClassifier(next classifier.Classifier, c cache.Cache, ttl time.Duration) *CachingClassifier {
	return &CachingClassifier{next: next, cache: c, ttl: ttl}
}

// Classify implements classifier.Classifier.
func (c *CachingClassifier) Classify(ctx context.Context, description string) (classifier.Classification, error) {
	key := classificationKey(description)

	data, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		slog.WarnContext(ctx, "classification cache get failed", "error", err)
	}
	if ok {
		var cls classifier.Classification
		if err := json.Unmarshal(data, &cls); err == nil {
			return cls, nil
		}
		slog.WarnContext(ctx, "discarding unreadable cached classification", "key", key)
	}

	cls, err := c.next.Classify(ctx, description)
	if err != nil {
		return cls, err
	}
	if data, err := json.Marshal(cls); err == nil {
		if err := c.cache.Set(ctx, key, data, c.ttl); err != nil {
			slog.WarnContext(ctx, "classification cache set failed", "error", err)
		}
	}
	return cls, nil
}

// classificationKey hashes the normalized description: case and
// surrounding or repeated whitespace do not change the key.
func classificationKey(description string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(description)), " ")
	sum := sha256.Sum256([]byte(norm))
	return classificationKeyPrefix + hex.EncodeToString(sum[:])
}
