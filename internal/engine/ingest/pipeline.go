// Package ingest turns canonical records into stored activities exactly once.
package ingest

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"actsync/internal/engine/syncerr"
	"actsync/internal/pkg/metrics"
	"actsync/internal/platform/models"
	"actsync/internal/platform/repositories"
)

type Outcome int

const (
	OutcomeInserted Outcome = iota
	OutcomeDuplicate
)

func (o Outcome) String() string {
	if o == OutcomeDuplicate {
		return "duplicate"
	}
	return "inserted"
}

type Summarizer interface {
	Summarize(ctx context.Context, content string) (string, error)
}

type Tagger interface {
	Tag(ctx context.Context, content string) ([]string, error)
}

type Pipeline struct {
	activities *repositories.ActivityRepository
	summarizer Summarizer
	tagger     Tagger
	threshold  int
	now        func() time.Time
}

// NewPipeline builds a pipeline. summarizer and tagger may be nil, in which
// case long content is truncated and only adapter tags are kept.
func NewPipeline(activities *repositories.ActivityRepository, summarizer Summarizer, tagger Tagger, threshold int) *Pipeline {
	return &Pipeline{
		activities: activities,
		summarizer: summarizer,
		tagger:     tagger,
		threshold:  threshold,
		now:        time.Now,
	}
}

// Ingest stores rec for the user. A record that is already stored yields
// OutcomeDuplicate and no error.
func (p *Pipeline) Ingest(ctx context.Context, rec *models.Record, userID, integrationID string) (Outcome, error) {
	if rec == nil || rec.ExternalID == "" {
		return 0, syncerr.Wrapf(syncerr.KindMalformed, "", "ingest", "record without external id")
	}

	// Known duplicates skip the collaborators; the unique index still decides races.
	if _, err := p.activities.GetByExternalID(ctx, userID, rec.Provider, rec.ExternalID); err == nil {
		metrics.RecordsIngestedTotal.WithLabelValues(string(rec.Provider), OutcomeDuplicate.String()).Inc()
		return OutcomeDuplicate, nil
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return 0, err
	}

	content, summarized := p.condense(ctx, rec)
	tags := p.tags(ctx, rec, content)

	occurred := rec.Timestamp
	if occurred.IsZero() {
		occurred = p.now()
	}

	inserted, err := p.activities.Insert(ctx, &models.Activity{
		UserID:        userID,
		IntegrationID: integrationID,
		Source:        rec.Provider,
		ExternalID:    rec.ExternalID,
		RecordType:    rec.Type,
		Content:       content,
		Summarized:    summarized,
		SourceURL:     rec.SourceURL,
		SourceName:    rec.SourceName,
		Author:        rec.Author,
		Channel:       rec.Channel,
		Metadata:      rec.Metadata,
		Tags:          tags,
		OccurredAt:    occurred.Unix(),
		CreatedAt:     p.now().Unix(),
	})
	if err != nil {
		return 0, err
	}

	outcome := OutcomeInserted
	if !inserted {
		outcome = OutcomeDuplicate
	}
	metrics.RecordsIngestedTotal.WithLabelValues(string(rec.Provider), outcome.String()).Inc()
	return outcome, nil
}

func (p *Pipeline) condense(ctx context.Context, rec *models.Record) (string, bool) {
	if p.threshold <= 0 || utf8.RuneCountInString(rec.Content) <= p.threshold {
		return rec.Content, false
	}

	if p.summarizer != nil {
		summary, err := p.summarizer.Summarize(ctx, rec.Content)
		if err == nil && strings.TrimSpace(summary) != "" {
			return summary, true
		}
		log.Warn().Err(err).Str("provider", string(rec.Provider)).Str("external_id", rec.ExternalID).
			Msg("summarize failed, truncating content")
	}
	metrics.CollaboratorFallbacksTotal.WithLabelValues("summarize").Inc()
	return truncate(rec.Content, p.threshold), false
}

func (p *Pipeline) tags(ctx context.Context, rec *models.Record, content string) []string {
	tags := rec.Tags
	if p.tagger != nil {
		extra, err := p.tagger.Tag(ctx, content)
		if err != nil {
			log.Warn().Err(err).Str("provider", string(rec.Provider)).Str("external_id", rec.ExternalID).
				Msg("tagging failed, keeping adapter tags")
			metrics.CollaboratorFallbacksTotal.WithLabelValues("tag").Inc()
		} else {
			tags = append(append([]string{}, tags...), extra...)
		}
	}

	tags = lo.Map(tags, func(t string, _ int) string { return strings.TrimSpace(t) })
	return lo.Uniq(lo.Compact(tags))
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
