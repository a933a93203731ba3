package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/physioclinic/ai-router/internal/fingerprint"
	"github.com/physioclinic/ai-router/internal/knowledge"
	"github.com/physioclinic/ai-router/internal/storage/models"
)

const (
	candidateLimit   = 200
	structuredWeight = 1.0
	contentWeight    = 0.7
	feedbackAlpha    = 0.1
)

var ErrEntryNotFound = eris.New("knowledge entry not found")

var stopwords = map[string]bool{
	"para": true, "com": true, "que": true, "uma": true, "dos": true, "das": true,
	"como": true, "por": true, "nos": true, "nas": true, "the": true, "and": true,
	"for": true, "with": true, "what": true, "how": true, "which": true,
}

const entryColumns = `id, tenant_id, title, content, category, confidence, success_rate, last_used,
	specialties, conditions, techniques, symptoms, contraindications, evidence_level, source_url,
	created_at, updated_at`

func (c *Client) UpsertEntry(ctx context.Context, e *models.KnowledgeEntry) error {
	if e.ID == "" {
		return eris.New("knowledge entry id is required")
	}
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	query := `
		INSERT INTO knowledge_entries (` + entryColumns + `, search_text, tag_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			category = excluded.category,
			confidence = excluded.confidence,
			specialties = excluded.specialties,
			conditions = excluded.conditions,
			techniques = excluded.techniques,
			symptoms = excluded.symptoms,
			contraindications = excluded.contraindications,
			evidence_level = excluded.evidence_level,
			source_url = excluded.source_url,
			search_text = excluded.search_text,
			tag_text = excluded.tag_text,
			updated_at = excluded.updated_at
	`

	_, err := c.db.ExecContext(ctx, query,
		e.ID,
		e.TenantID,
		e.Title,
		e.Content,
		string(e.Category),
		e.Confidence,
		e.SuccessRate,
		nullableUnix(e.LastUsed),
		marshalList(e.Specialties),
		marshalList(e.Conditions),
		marshalList(e.Techniques),
		marshalList(e.Symptoms),
		marshalList(e.Contraindications),
		e.EvidenceLevel,
		e.SourceURL,
		e.CreatedAt.Unix(),
		e.UpdatedAt.Unix(),
		fingerprint.Normalize(e.Title+" "+e.Content),
		tagText(e),
	)
	if err != nil {
		return eris.Wrapf(err, "failed to upsert knowledge entry %s", e.ID)
	}

	c.log.Debug("knowledge entry stored", zap.String("id", e.ID), zap.String("tenant_id", e.TenantID))
	return nil
}

func (c *Client) GetEntry(ctx context.Context, id string) (*models.KnowledgeEntry, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM knowledge_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrEntryNotFound, id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "failed to get knowledge entry")
	}
	return e, nil
}

func (c *Client) CountEntries(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge_entries`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "failed to count knowledge entries")
	}
	return n, nil
}

// ListEntries pages through all entries in id order, starting after afterID.
func (c *Client) ListEntries(ctx context.Context, afterID string, limit int) ([]*models.KnowledgeEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM knowledge_entries WHERE id > ? ORDER BY id LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "failed to list knowledge entries")
	}
	defer rows.Close()

	var out []*models.KnowledgeEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "failed to scan knowledge entry")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Search implements knowledge.Searcher with term matching. Entries owned by
// the tenant and global entries (empty tenant) are eligible.
func (c *Client) Search(ctx context.Context, req knowledge.SearchRequest) ([]models.KnowledgeResult, error) {
	needles := searchNeedles(req)
	if len(needles) == 0 {
		return nil, nil
	}

	var (
		clauses []string
		args    = []interface{}{req.TenantID}
	)
	for _, n := range needles {
		clauses = append(clauses, `search_text LIKE ? ESCAPE '\' OR tag_text LIKE ? ESCAPE '\'`)
		pattern := "%" + escapeLike(n) + "%"
		args = append(args, pattern, pattern)
	}
	args = append(args, candidateLimit)

	query := `SELECT ` + entryColumns + `, search_text, tag_text FROM knowledge_entries
		WHERE (tenant_id = ? OR tenant_id = '') AND (` + strings.Join(clauses, " OR ") + `)
		LIMIT ?`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "failed to search knowledge entries")
	}
	defer rows.Close()

	var results []models.KnowledgeResult
	for rows.Next() {
		var searchText, tags string
		e, err := scanEntry(rows, &searchText, &tags)
		if err != nil {
			return nil, eris.Wrap(err, "failed to scan knowledge entry")
		}

		relevance := relevanceOf(needles, searchText, tags)
		if relevance <= 0 {
			continue
		}
		results = append(results, models.KnowledgeResult{Entry: *e, RelevanceScore: relevance})
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "failed to iterate knowledge entries")
	}

	limit := req.Limit
	if limit > 0 && len(results) > limit {
		ranked := knowledge.Rank(results, req.Specialty, time.Now())
		results = results[:0]
		for _, r := range ranked[:limit] {
			results = append(results, r.KnowledgeResult)
		}
	}
	return results, nil
}

// MarkUsed stamps last_used for entries that answered a query.
func (c *Client) MarkUsed(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []interface{}{at.Unix()}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := c.db.ExecContext(ctx, `UPDATE knowledge_entries SET last_used = ? WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return eris.Wrap(err, "failed to mark knowledge entries used")
	}
	return nil
}

// RecordFeedback moves the entry's success rate toward 1 or 0 with an
// exponential moving average.
func (c *Client) RecordFeedback(ctx context.Context, id string, helpful bool) (float64, error) {
	target := 0.0
	if helpful {
		target = 1.0
	}

	res, err := c.db.ExecContext(ctx, `
		UPDATE knowledge_entries
		SET success_rate = success_rate + ? * (? - success_rate),
			feedback_count = feedback_count + 1
		WHERE id = ?`, feedbackAlpha, target, id)
	if err != nil {
		return 0, eris.Wrap(err, "failed to record feedback")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, eris.Wrap(ErrEntryNotFound, id)
	}

	var rate float64
	if err := c.db.QueryRowContext(ctx, `SELECT success_rate FROM knowledge_entries WHERE id = ?`, id).Scan(&rate); err != nil {
		return 0, eris.Wrap(err, "failed to read success rate")
	}
	return rate, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner, extra ...interface{}) (*models.KnowledgeEntry, error) {
	var (
		e                                          models.KnowledgeEntry
		category                                   string
		lastUsed                                   sql.NullInt64
		specialties, conditions, techniques, sympt sql.NullString
		contraindications, evidence, sourceURL     sql.NullString
		createdAt, updatedAt                       int64
	)

	dest := []interface{}{
		&e.ID, &e.TenantID, &e.Title, &e.Content, &category, &e.Confidence, &e.SuccessRate, &lastUsed,
		&specialties, &conditions, &techniques, &sympt, &contraindications, &evidence, &sourceURL,
		&createdAt, &updatedAt,
	}
	dest = append(dest, extra...)

	if err := s.Scan(dest...); err != nil {
		return nil, err
	}

	e.Category = models.KnowledgeCategory(category)
	if lastUsed.Valid {
		e.LastUsed = time.Unix(lastUsed.Int64, 0)
	}
	e.Specialties = unmarshalList(specialties)
	e.Conditions = unmarshalList(conditions)
	e.Techniques = unmarshalList(techniques)
	e.Symptoms = unmarshalList(sympt)
	e.Contraindications = unmarshalList(contraindications)
	e.EvidenceLevel = evidence.String
	e.SourceURL = sourceURL.String
	e.CreatedAt = time.Unix(createdAt, 0)
	e.UpdatedAt = time.Unix(updatedAt, 0)
	return &e, nil
}

// searchNeedles turns the request into normalized match terms. Free text
// is split into words; symptoms and diagnosis are kept as phrases.
func searchNeedles(req knowledge.SearchRequest) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}

	for _, w := range strings.Fields(fingerprint.Normalize(req.Text)) {
		if len([]rune(w)) < 3 || stopwords[w] {
			continue
		}
		add(w)
	}
	for _, s := range req.Symptoms {
		add(fingerprint.Normalize(s))
	}
	add(fingerprint.Normalize(req.Diagnosis))
	return out
}

func relevanceOf(needles []string, searchText, tags string) float64 {
	if len(needles) == 0 {
		return 0
	}
	var score float64
	for _, n := range needles {
		switch {
		case strings.Contains(tags, n):
			score += structuredWeight
		case strings.Contains(searchText, n):
			score += contentWeight
		}
	}
	return score / float64(len(needles))
}

func tagText(e *models.KnowledgeEntry) string {
	var parts []string
	parts = append(parts, e.Title)
	for _, list := range [][]string{e.Specialties, e.Conditions, e.Techniques, e.Symptoms} {
		parts = append(parts, list...)
	}
	return fingerprint.Normalize(strings.Join(parts, " | "))
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func marshalList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(list)
	return string(data)
}

func unmarshalList(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil
	}
	return out
}

func nullableUnix(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}
