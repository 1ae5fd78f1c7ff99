package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"forumwatch/pkg/notifier"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

var forumIDRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Bucket is a Store backed by Cloud Storage objects, or by files under a local directory
// when localPath is set. Insert-if-absent is a create-only write in both modes.
type Bucket struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

var _ Store = (*Bucket)(nil)

// NewBucket creates a new object storage handler.
func NewBucket(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Bucket {
	return &Bucket{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// Close closes the Cloud Storage client if one is in use.
func (s *Bucket) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// digest shortens an arbitrary identifier to a fixed, path-safe key segment.
func digest(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:16])
}

func forumPrefix(kind, forumID string) (string, error) {
	if !forumIDRegex.MatchString(forumID) {
		return "", fmt.Errorf("invalid forum id %q", forumID)
	}
	return kind + "/" + forumID + "/", nil
}

func (s *Bucket) withRetry(ctx context.Context, op, key string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", retryErr)
		}),
	)
}

// create writes data under key only if the key does not exist yet.
func (s *Bucket) create(ctx context.Context, key string, data []byte) (bool, error) {
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
			return false, fmt.Errorf("create local directory: %w", err)
		}
		f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("create local object: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return false, fmt.Errorf("write local object: %w", err)
		}
		if err := f.Close(); err != nil {
			return false, fmt.Errorf("close local object: %w", err)
		}
		return true, nil
	}

	created := false
	err := s.withRetry(ctx, "create", key, func() error {
		w := s.client.Bucket(s.bucket).Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
		if _, writeErr := w.Write(data); writeErr != nil {
			if closeErr := w.Close(); closeErr != nil {
				s.logger.Warn("Failed to close writer after error", "error", closeErr)
			}
			return fmt.Errorf("write to storage: %w", writeErr)
		}
		closeErr := w.Close()
		if isPreconditionFailed(closeErr) {
			return nil
		}
		if closeErr != nil {
			return fmt.Errorf("close storage writer: %w", closeErr)
		}
		created = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("create after retries: %w", err)
	}
	return created, nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

// put writes data under key, replacing any existing object.
func (s *Bucket) put(ctx context.Context, key string, data []byte) error {
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
			return fmt.Errorf("create local directory: %w", err)
		}
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		return nil
	}

	err := s.withRetry(ctx, "put", key, func() error {
		w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
		if _, writeErr := w.Write(data); writeErr != nil {
			if closeErr := w.Close(); closeErr != nil {
				s.logger.Warn("Failed to close writer after error", "error", closeErr)
			}
			return fmt.Errorf("write to storage: %w", writeErr)
		}
		if closeErr := w.Close(); closeErr != nil {
			return fmt.Errorf("close storage writer: %w", closeErr)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

// get reads the object under key. Missing objects return an error matching IsNotFound.
func (s *Bucket) get(ctx context.Context, key string) ([]byte, error) {
	if s.localPath != "" {
		data, err := os.ReadFile(filepath.Join(s.localPath, filepath.FromSlash(key)))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	var data []byte
	err := s.withRetry(ctx, "get", key, func() error {
		r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
		if openErr != nil {
			if errors.Is(openErr, storage.ErrObjectNotExist) {
				return retry.Unrecoverable(ErrNotFound)
			}
			return fmt.Errorf("open storage reader: %w", openErr)
		}
		defer func() {
			if closeErr := r.Close(); closeErr != nil {
				s.logger.Warn("Failed to close storage reader", "error", closeErr)
			}
		}()

		var readErr error
		data, readErr = io.ReadAll(r)
		if readErr != nil {
			return fmt.Errorf("read from storage: %w", readErr)
		}
		return nil
	})
	if err != nil {
		if IsNotFound(err) || strings.Contains(err.Error(), ErrNotFound.Error()) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

// remove deletes the object under key. Deleting a missing object is not an error.
func (s *Bucket) remove(ctx context.Context, key string) error {
	if s.localPath != "" {
		err := os.Remove(filepath.Join(s.localPath, filepath.FromSlash(key)))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		return nil
	}

	err := s.withRetry(ctx, "delete", key, func() error {
		deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
		if deleteErr == nil || errors.Is(deleteErr, storage.ErrObjectNotExist) {
			return nil
		}
		return fmt.Errorf("delete from storage: %w", deleteErr)
	})
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

// list returns the keys under prefix in lexical order.
func (s *Bucket) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	if s.localPath != "" {
		root := filepath.Join(s.localPath, filepath.FromSlash(prefix))
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, relErr := filepath.Rel(s.localPath, p)
			if relErr != nil {
				return relErr
			}
			keys = append(keys, filepath.ToSlash(rel))
			return nil
		})
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("walk local storage: %w", err)
		}
		sort.Strings(keys)
		return keys, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

type seenObject struct {
	ForumID    string    `json:"forum_id"`
	ExternalID string    `json:"external_id"`
	SeenAt     time.Time `json:"seen_at"`
}

// MarkSeen records a post as processed.
func (s *Bucket) MarkSeen(ctx context.Context, forumID, externalID string) (bool, error) {
	prefix, err := forumPrefix("seen", forumID)
	if err != nil {
		return false, err
	}
	data, err := json.Marshal(seenObject{ForumID: forumID, ExternalID: externalID, SeenAt: time.Now().UTC()})
	if err != nil {
		return false, fmt.Errorf("marshal seen record: %w", err)
	}
	created, err := s.create(ctx, prefix+digest(externalID)+".json", data)
	if err != nil {
		return false, fmt.Errorf("mark seen: %w", err)
	}
	return created, nil
}

// RecordNotification inserts a notification record if absent.
func (s *Bucket) RecordNotification(ctx context.Context, rec *notifier.NotificationRecord) (bool, error) {
	prefix, err := forumPrefix("notified", rec.ForumID)
	if err != nil {
		return false, err
	}
	stored := *rec
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return false, fmt.Errorf("marshal notification: %w", err)
	}
	key := prefix + digest(rec.PostID) + "/" + strconv.FormatInt(rec.Recipient, 10) + ".json"
	created, err := s.create(ctx, key, data)
	if err != nil {
		return false, fmt.Errorf("record notification: %w", err)
	}
	return created, nil
}

func blockedKey(forumID string, recipient int64) (string, error) {
	prefix, err := forumPrefix("blocked", forumID)
	if err != nil {
		return "", err
	}
	return prefix + strconv.FormatInt(recipient, 10), nil
}

// IsUnreachable reports whether the recipient was marked unreachable on the forum.
func (s *Bucket) IsUnreachable(ctx context.Context, forumID string, recipient int64) (bool, error) {
	key, err := blockedKey(forumID, recipient)
	if err != nil {
		return false, err
	}
	if _, err := s.get(ctx, key); err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("check blocked recipient: %w", err)
	}
	return true, nil
}

// MarkUnreachable records that the recipient can no longer be reached on the forum.
func (s *Bucket) MarkUnreachable(ctx context.Context, forumID string, recipient int64) error {
	key, err := blockedKey(forumID, recipient)
	if err != nil {
		return err
	}
	if _, err := s.create(ctx, key, []byte(time.Now().UTC().Format(time.RFC3339))); err != nil {
		return fmt.Errorf("mark recipient unreachable: %w", err)
	}
	return nil
}

// ClearUnreachable removes the recipient's unreachable mark on the forum.
func (s *Bucket) ClearUnreachable(ctx context.Context, forumID string, recipient int64) error {
	key, err := blockedKey(forumID, recipient)
	if err != nil {
		return err
	}
	if err := s.remove(ctx, key); err != nil {
		return fmt.Errorf("clear unreachable recipient: %w", err)
	}
	return nil
}

func healthKey(forumID string) (string, error) {
	if !forumIDRegex.MatchString(forumID) {
		return "", fmt.Errorf("invalid forum id %q", forumID)
	}
	return "health/" + forumID + ".json", nil
}

// LoadHealth returns the stored health state, or a nominal state.
func (s *Bucket) LoadHealth(ctx context.Context, forumID string) (*notifier.HealthState, error) {
	key, err := healthKey(forumID)
	if err != nil {
		return nil, err
	}
	data, err := s.get(ctx, key)
	if IsNotFound(err) {
		return nominal(forumID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load health: %w", err)
	}
	var st notifier.HealthState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal health: %w", err)
	}
	return &st, nil
}

// SaveHealth replaces the forum's health state.
func (s *Bucket) SaveHealth(ctx context.Context, st *notifier.HealthState) error {
	key, err := healthKey(st.ForumID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal health: %w", err)
	}
	if err := s.put(ctx, key, data); err != nil {
		return fmt.Errorf("save health: %w", err)
	}
	return nil
}

// ListHealth returns every stored health state ordered by forum.
func (s *Bucket) ListHealth(ctx context.Context) ([]*notifier.HealthState, error) {
	keys, err := s.list(ctx, "health/")
	if err != nil {
		return nil, fmt.Errorf("list health: %w", err)
	}
	var states []*notifier.HealthState
	for _, key := range keys {
		forumID := strings.TrimSuffix(path.Base(key), ".json")
		st, err := s.LoadHealth(ctx, forumID)
		if err != nil {
			s.logger.Warn("Failed to load health state", "key", key, "error", err)
			continue
		}
		states = append(states, st)
	}
	return states, nil
}

// subscriptionDoc holds all of one recipient's subscriptions on one forum.
type subscriptionDoc struct {
	Recipient     int64                    `json:"recipient"`
	ForumID       string                   `json:"forum_id"`
	Subscriptions []*notifier.Subscription `json:"subscriptions"`
}

func subscriptionKey(forumID string, recipient int64) (string, error) {
	prefix, err := forumPrefix("subs", forumID)
	if err != nil {
		return "", err
	}
	return prefix + strconv.FormatInt(recipient, 10) + ".json", nil
}

func (s *Bucket) loadDoc(ctx context.Context, key string) (*subscriptionDoc, error) {
	data, err := s.get(ctx, key)
	if err != nil {
		return nil, err
	}
	var doc subscriptionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal subscriptions: %w", err)
	}
	return &doc, nil
}

func (s *Bucket) recipientDoc(ctx context.Context, forumID string, recipient int64) (string, *subscriptionDoc, error) {
	key, err := subscriptionKey(forumID, recipient)
	if err != nil {
		return "", nil, err
	}
	doc, err := s.loadDoc(ctx, key)
	if IsNotFound(err) {
		return key, &subscriptionDoc{Recipient: recipient, ForumID: forumID}, nil
	}
	if err != nil {
		return "", nil, err
	}
	return key, doc, nil
}

func (s *Bucket) saveDoc(ctx context.Context, key string, doc *subscriptionDoc) error {
	if len(doc.Subscriptions) == 0 {
		return s.remove(ctx, key)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal subscriptions: %w", err)
	}
	return s.put(ctx, key, data)
}

// AddSubscription inserts sub unless an equivalent subscription exists.
func (s *Bucket) AddSubscription(ctx context.Context, sub *notifier.Subscription) (bool, error) {
	key, doc, err := s.recipientDoc(ctx, sub.ForumID, sub.Recipient)
	if err != nil {
		return false, fmt.Errorf("add subscription: %w", err)
	}
	for _, existing := range doc.Subscriptions {
		if existing.Kind == sub.Kind && PatternKey(existing.Kind, existing.Pattern) == PatternKey(sub.Kind, sub.Pattern) {
			return false, nil
		}
	}
	doc.Subscriptions = append(doc.Subscriptions, sub)
	if err := s.saveDoc(ctx, key, doc); err != nil {
		return false, fmt.Errorf("add subscription: %w", err)
	}
	s.logger.Info("Subscription saved", "key", key, "recipient", sub.Recipient, "count", len(doc.Subscriptions))
	return true, nil
}

// RemoveSubscription deletes the recipient's subscription of the given kind and pattern.
func (s *Bucket) RemoveSubscription(ctx context.Context, forumID string, recipient int64, kind notifier.Kind, pattern string) (bool, error) {
	key, doc, err := s.recipientDoc(ctx, forumID, recipient)
	if err != nil {
		return false, fmt.Errorf("remove subscription: %w", err)
	}
	kept := doc.Subscriptions[:0]
	removed := false
	for _, existing := range doc.Subscriptions {
		if existing.Kind == kind && PatternKey(existing.Kind, existing.Pattern) == PatternKey(kind, pattern) {
			removed = true
			continue
		}
		kept = append(kept, existing)
	}
	if !removed {
		return false, nil
	}
	doc.Subscriptions = kept
	if err := s.saveDoc(ctx, key, doc); err != nil {
		return false, fmt.Errorf("remove subscription: %w", err)
	}
	return true, nil
}

// ListSubscriptions returns the recipient's subscriptions on a forum in creation order.
func (s *Bucket) ListSubscriptions(ctx context.Context, forumID string, recipient int64) ([]*notifier.Subscription, error) {
	_, doc, err := s.recipientDoc(ctx, forumID, recipient)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return doc.Subscriptions, nil
}

// ActiveSubscriptions returns every active subscription on a forum.
func (s *Bucket) ActiveSubscriptions(ctx context.Context, forumID string) ([]*notifier.Subscription, error) {
	prefix, err := forumPrefix("subs", forumID)
	if err != nil {
		return nil, err
	}
	keys, err := s.list(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}

	var subs []*notifier.Subscription
	for _, key := range keys {
		doc, err := s.loadDoc(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load subscriptions %s: %w", key, err)
		}
		for _, sub := range doc.Subscriptions {
			if sub.Active {
				subs = append(subs, sub)
			}
		}
	}
	return subs, nil
}

// PatternCounts returns notification counts per trigger on a forum, most frequent first.
func (s *Bucket) PatternCounts(ctx context.Context, forumID string) ([]notifier.PatternCount, error) {
	prefix, err := forumPrefix("notified", forumID)
	if err != nil {
		return nil, err
	}
	keys, err := s.list(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("count patterns: %w", err)
	}

	type trigger struct {
		kind    notifier.Kind
		pattern string
	}
	counts := make(map[trigger]int)
	for _, key := range keys {
		data, err := s.get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("count patterns: %w", err)
		}
		var rec notifier.NotificationRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn("Skipping unreadable notification record", "key", key, "error", err)
			continue
		}
		counts[trigger{rec.Kind, rec.Pattern}]++
	}

	out := make([]notifier.PatternCount, 0, len(counts))
	for t, n := range counts {
		out = append(out, notifier.PatternCount{Kind: t.kind, Pattern: t.pattern, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Pattern < out[j].Pattern
	})
	return out, nil
}

// Stats returns global usage counters.
func (s *Bucket) Stats(ctx context.Context) (*notifier.Stats, error) {
	var st notifier.Stats

	subKeys, err := s.list(ctx, "subs/")
	if err != nil {
		return nil, fmt.Errorf("read stats: %w", err)
	}
	recipients := make(map[int64]bool)
	for _, key := range subKeys {
		doc, err := s.loadDoc(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read stats: %w", err)
		}
		if len(doc.Subscriptions) > 0 {
			recipients[doc.Recipient] = true
		}
		for _, sub := range doc.Subscriptions {
			switch sub.Kind {
			case notifier.KindKeyword:
				st.Keywords++
			case notifier.KindAuthor:
				st.Authors++
			case notifier.KindAll:
				st.SubscribeAll++
			}
		}
	}
	st.Recipients = len(recipients)

	for prefix, dst := range map[string]*int{
		"seen/":     &st.PostsSeen,
		"notified/": &st.Notifications,
		"blocked/":  &st.BlockedTargets,
	} {
		keys, err := s.list(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("read stats: %w", err)
		}
		*dst = len(keys)
	}
	return &st, nil
}
