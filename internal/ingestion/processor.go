// Package ingestion turns clinical HTML articles into knowledge entries.
package ingestion

import (
	"context"
	"net/url"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/physioclinic/ai-router/internal/metrics"
	"github.com/physioclinic/ai-router/internal/storage/models"
	"github.com/physioclinic/ai-router/pkg/logger"
	"github.com/physioclinic/ai-router/pkg/utils"
)

const (
	defaultConfidence    = 0.6
	defaultEvidenceLevel = "expert_opinion"
	maxTechniques        = 10
	maxHeadingRunes      = 80
)

var (
	ErrInvalidDocument = eris.New("invalid document")
	ErrNoContent       = eris.New("no content extracted from HTML")
)

// Document is an HTML article plus the clinical metadata the caller knows
// about it. Empty TenantID makes the entry global.
type Document struct {
	URL           string   `json:"url"`
	HTML          string   `json:"html"`
	TenantID      string   `json:"tenantId"`
	Category      string   `json:"category"`
	Specialties   []string `json:"specialties"`
	Conditions    []string `json:"conditions"`
	Symptoms      []string `json:"symptoms"`
	EvidenceLevel string   `json:"evidenceLevel"`
	Confidence    float64  `json:"confidence"`
}

type Store interface {
	UpsertEntry(ctx context.Context, e *models.KnowledgeEntry) error
}

// Indexer receives every stored entry, e.g. the graph or vector index.
type Indexer interface {
	IndexEntry(ctx context.Context, e *models.KnowledgeEntry) error
}

type Processor struct {
	store    Store
	indexers []Indexer
	metrics  *metrics.Metrics
	clock    clockwork.Clock
	log      *zap.Logger
}

func NewProcessor(store Store, m *metrics.Metrics, indexers ...Indexer) *Processor {
	return &Processor{
		store:    store,
		indexers: indexers,
		metrics:  m,
		clock:    clockwork.NewRealClock(),
		log:      logger.Named("ingestion"),
	}
}

// ProcessDocument extracts, stores and indexes one article. Index failures
// are logged; the entry is already searchable through the store.
func (p *Processor) ProcessDocument(ctx context.Context, doc Document) (*models.KnowledgeEntry, error) {
	if strings.TrimSpace(doc.URL) == "" {
		return nil, eris.Wrap(ErrInvalidDocument, "url is required")
	}
	if _, err := url.ParseRequestURI(doc.URL); err != nil {
		return nil, eris.Wrapf(ErrInvalidDocument, "url %q is not valid", doc.URL)
	}
	if strings.TrimSpace(doc.HTML) == "" {
		return nil, eris.Wrap(ErrInvalidDocument, "html is required")
	}

	p.log.Info("Processing document", zap.String("url", doc.URL), zap.String("tenant_id", doc.TenantID))

	page, err := goquery.NewDocumentFromReader(strings.NewReader(doc.HTML))
	if err != nil {
		return nil, eris.Wrap(err, "failed to parse HTML")
	}

	title := extractTitle(page)
	page.Find("script, style, nav, footer, header, aside, noscript").Remove()
	techniques := extractHeadings(page)
	content := extractContent(page)
	if content == "" {
		return nil, ErrNoContent
	}

	now := p.clock.Now()
	entry := &models.KnowledgeEntry{
		ID:            utils.HashParts(doc.TenantID, doc.URL),
		TenantID:      doc.TenantID,
		Title:         title,
		Content:       content,
		Category:      categoryOf(doc.Category, doc.URL, title),
		Confidence:    confidenceOf(doc.Confidence),
		Specialties:   doc.Specialties,
		Conditions:    doc.Conditions,
		Symptoms:      doc.Symptoms,
		Techniques:    techniques,
		EvidenceLevel: evidenceOf(doc.EvidenceLevel),
		SourceURL:     doc.URL,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := p.store.UpsertEntry(ctx, entry); err != nil {
		return nil, eris.Wrap(err, "failed to store knowledge entry")
	}

	for _, idx := range p.indexers {
		if err := idx.IndexEntry(ctx, entry); err != nil {
			p.log.Warn("Failed to index knowledge entry",
				zap.String("entry_id", entry.ID),
				zap.Error(err),
			)
		}
	}

	p.metrics.KnowledgeIngested()
	p.log.Info("Document processed successfully",
		zap.String("entry_id", entry.ID),
		zap.String("category", string(entry.Category)),
		zap.Int("techniques", len(techniques)),
	)
	return entry, nil
}

func extractTitle(page *goquery.Document) string {
	title := collapse(page.Find("title").First().Text())
	if title == "" {
		title = collapse(page.Find("h1").First().Text())
	}
	if title == "" {
		title = "Untitled"
	}
	return title
}

// extractHeadings treats section headings as the techniques an article covers.
func extractHeadings(page *goquery.Document) []string {
	var out []string
	page.Find("article h2, article h3, main h2, main h3, body h2, body h3").Each(func(_ int, s *goquery.Selection) {
		if len(out) >= maxTechniques {
			return
		}
		h := collapse(s.Text())
		if h == "" || utf8.RuneCountInString(h) > maxHeadingRunes || slices.Contains(out, h) || isBoilerplateHeading(h) {
			return
		}
		out = append(out, h)
	})
	return out
}

func extractContent(page *goquery.Document) string {
	root := page.Find("article").First()
	if root.Length() == 0 {
		root = page.Find("main").First()
	}
	if root.Length() == 0 {
		root = page.Find("body")
	}
	return collapse(root.Text())
}

func isBoilerplateHeading(h string) bool {
	switch strings.ToLower(h) {
	case "references", "referências", "referencias", "bibliografia", "bibliography",
		"contents", "sumário", "índice", "related articles", "artigos relacionados":
		return true
	}
	return false
}

var categoryKeywords = []struct {
	category models.KnowledgeCategory
	words    []string
}{
	{models.CategoryProtocol, []string{"protocol", "protocolo"}},
	{models.CategoryExercise, []string{"exercise", "exercicio", "exercício", "exercícios", "exercicios"}},
	{models.CategoryResearch, []string{"research", "study", "pesquisa", "estudo", "revisao", "revisão", "review"}},
	{models.CategoryCondition, []string{"condition", "condicao", "condição", "patologia", "disease", "doenca", "doença"}},
}

// categoryOf honours an explicit category and otherwise infers one from the
// URL and title.
func categoryOf(explicit, rawURL, title string) models.KnowledgeCategory {
	switch c := models.KnowledgeCategory(strings.ToLower(explicit)); c {
	case models.CategoryTechnique, models.CategoryCondition, models.CategoryProtocol,
		models.CategoryExercise, models.CategoryResearch:
		return c
	}

	haystack := strings.ToLower(rawURL + " " + title)
	for _, ck := range categoryKeywords {
		for _, w := range ck.words {
			if strings.Contains(haystack, w) {
				return ck.category
			}
		}
	}
	return models.CategoryTechnique
}

func confidenceOf(c float64) float64 {
	if c <= 0 || c > 1 {
		return defaultConfidence
	}
	return c
}

func evidenceOf(level string) string {
	if slices.Contains(models.EvidenceLevels, level) {
		return level
	}
	return defaultEvidenceLevel
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
