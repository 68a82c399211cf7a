package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"memorychat/internal/config"
	"memorychat/internal/models"

	chromem "github.com/philippgille/chromem-go"
	log "github.com/sirupsen/logrus"
)

// ErrEmptyVector is returned for records or queries without an embedding.
var ErrEmptyVector = errors.New("memory: empty vector")

// Record is a stored snippet of past conversation together with its
// embedding. TurnID identifies the source turn and doubles as the document id,
// so writing the same turn twice replaces the first copy.
type Record struct {
	TurnID int64
	ChatID int64
	UserID int64
	Role   models.Role
	Text   string
	Vector []float32
}

// Match is a Record returned by a similarity query.
type Match struct {
	Record
	Score float32
}

// Store is a per-user vector index backed by chromem. It is safe for
// concurrent use; queries may run while writes for other turns are in flight.
type Store struct {
	db *chromem.DB

	mu          sync.RWMutex
	collections map[int64]*chromem.Collection
}

// New builds a store. A non-empty cfg.Path persists documents on disk.
func New(cfg config.MemoryConfig) (*Store, error) {
	var (
		db  *chromem.DB
		err error
	)
	if cfg.Path != "" {
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("open memory store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}
	return &Store{db: db, collections: make(map[int64]*chromem.Collection)}, nil
}

func (s *Store) collection(userID int64) (*chromem.Collection, error) {
	s.mu.RLock()
	col, ok := s.collections[userID]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[userID]; ok {
		return col, nil
	}
	// embeddings are always supplied by the caller, the collection never
	// computes its own
	col, err := s.db.GetOrCreateCollection(fmt.Sprintf("user_%d", userID), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	s.collections[userID] = col
	return col, nil
}

// Upsert stores rec, replacing any earlier record for the same turn.
func (s *Store) Upsert(ctx context.Context, rec Record) error {
	if len(rec.Vector) == 0 {
		return ErrEmptyVector
	}
	if rec.TurnID <= 0 || rec.UserID <= 0 {
		return errors.New("memory: turn and user ids are required")
	}
	col, err := s.collection(rec.UserID)
	if err != nil {
		return err
	}
	doc := chromem.Document{
		ID:        strconv.FormatInt(rec.TurnID, 10),
		Content:   rec.Text,
		Embedding: rec.Vector,
		Metadata: map[string]string{
			"turn_id": strconv.FormatInt(rec.TurnID, 10),
			"chat_id": strconv.FormatInt(rec.ChatID, 10),
			"user_id": strconv.FormatInt(rec.UserID, 10),
			"role":    string(rec.Role),
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Query returns up to k of the user's records most similar to vector,
// highest score first. Equal scores are ordered by TurnID, so the earlier
// turn wins a tie.
func (s *Store) Query(ctx context.Context, userID int64, vector []float32, k int) ([]Match, error) {
	if k <= 0 {
		return []Match{}, nil
	}
	if len(vector) == 0 {
		return nil, ErrEmptyVector
	}
	col, err := s.collection(userID)
	if err != nil {
		return nil, err
	}
	count := col.Count()
	if count == 0 {
		return []Match{}, nil
	}
	// widen the fetch until the k-th score is no longer tied with the last
	// fetched one, so every record tied at the cut is seen before the
	// tie-break is applied
	n := k * 2
	matches := make([]Match, 0, n)
	for {
		if n > count {
			n = count
		}
		results, err := col.QueryEmbedding(ctx, vector, n, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("query memory: %w", err)
		}
		matches = matches[:0]
		for _, r := range results {
			m, err := toMatch(r, userID)
			if err != nil {
				log.WithError(err).WithField("doc_id", r.ID).Warn("skipping malformed memory record")
				continue
			}
			matches = append(matches, m)
		}
		if n >= count || len(results) <= k || results[len(results)-1].Similarity != results[k-1].Similarity {
			break
		}
		n *= 2
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].TurnID < matches[j].TurnID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Count reports how many records the user has.
func (s *Store) Count(userID int64) int {
	col, err := s.collection(userID)
	if err != nil {
		return 0
	}
	return col.Count()
}

func toMatch(r chromem.Result, userID int64) (Match, error) {
	turnID, err := strconv.ParseInt(r.ID, 10, 64)
	if err != nil {
		return Match{}, fmt.Errorf("parse turn id: %w", err)
	}
	chatID, _ := strconv.ParseInt(r.Metadata["chat_id"], 10, 64)
	return Match{
		Record: Record{
			TurnID: turnID,
			ChatID: chatID,
			UserID: userID,
			Role:   models.NormalizeRole(r.Metadata["role"]),
			Text:   r.Content,
			Vector: r.Embedding,
		},
		Score: r.Similarity,
	}, nil
}
