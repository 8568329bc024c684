package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"vidatlas/internal/config"
	"vidatlas/internal/faults"
)

// Phase names, in execution order. They key the progress weight table and
// appear in job records and events.
const (
	PhaseMetadata    = "metadata"
	PhaseCompression = "compression"
	PhaseSummary     = "summary"
	PhaseGeocode     = "geocode"
)

// Public geocode endpoints ask for at most one request per second.
var geocodePolitenessRate = rate.Every(time.Second)

// Analyzer is the reference Worker: fetch video metadata, compress the
// transcript, summarize it, then geocode extracted place mentions.
type Analyzer struct {
	version  string
	metadata *MetadataClient
	geocoder *GeocodeClient
}

// NewAnalyzer wires the analyzer from configuration.
func NewAnalyzer(cfg *config.Config) *Analyzer {
	httpClient := &http.Client{Timeout: cfg.PipelineRequestTimeout()}
	return &Analyzer{
		version:  cfg.Pipeline.StrategyVersion,
		metadata: NewMetadataClient(cfg.Pipeline.MetadataEndpoint, httpClient),
		geocoder: NewGeocodeClient(cfg.Pipeline.GeocodeEndpoint, httpClient).
			WithLimiter(rate.NewLimiter(geocodePolitenessRate, 1)),
	}
}

// Version reports the analysis strategy version from configuration.
func (a *Analyzer) Version() string { return a.version }

// Phases returns the analysis phases in execution order.
func (a *Analyzer) Phases() []Phase {
	return []Phase{
		{Name: PhaseMetadata, Run: a.runMetadata},
		{Name: PhaseCompression, Run: a.runCompression},
		{Name: PhaseSummary, Run: a.runSummary},
		{Name: PhaseGeocode, Run: a.runGeocode},
	}
}

// runMetadata fills title and author. A caller-supplied title parameter
// skips the remote lookup so offline material can be analyzed.
func (a *Analyzer) runMetadata(ctx context.Context, st *State) error {
	if title := st.Param("title"); title != "" {
		st.Result.Title = title
		st.Result.Author = st.Param("author")
		st.Report(1)
		return nil
	}

	meta, err := a.metadata.Fetch(ctx, st.Request.SubjectID)
	if err != nil {
		return err
	}
	st.Result.Title = meta.Title
	st.Result.Author = meta.Author
	st.Report(1)
	return nil
}

// runCompression normalizes the raw transcript: timestamps and stage
// directions go away, consecutive duplicate lines collapse, whitespace
// shrinks to single spaces.
func (a *Analyzer) runCompression(ctx context.Context, st *State) error {
	raw := st.Param("transcript")
	if raw == "" {
		raw = st.Param("description")
	}
	if raw == "" {
		raw = st.Result.Title
	}
	if strings.TrimSpace(raw) == "" {
		return faults.Wrap(faults.ErrDeterministic, PhaseCompression, "normalize",
			"no analyzable text: subject has neither transcript, description, nor title", nil)
	}

	lines := strings.Split(raw, "\n")
	var (
		kept     []string
		lastLine string
	)
	for i, line := range lines {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			st.Report(float64(i) / float64(len(lines)))
		}
		cleaned := normalizeLine(line)
		if cleaned == "" {
			continue
		}
		if strings.EqualFold(cleaned, lastLine) {
			continue
		}
		kept = append(kept, cleaned)
		lastLine = cleaned
	}

	st.Transcript = strings.Join(strings.Fields(strings.Join(kept, " ")), " ")
	if st.Transcript == "" {
		return faults.Wrap(faults.ErrDeterministic, PhaseCompression, "normalize",
			"transcript reduced to nothing after cleanup", nil)
	}
	st.Report(1)
	return nil
}

// runSummary derives the short summary and the place mention candidates.
func (a *Analyzer) runSummary(ctx context.Context, st *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	st.Result.Summary = summarize(st.Transcript)

	// The title often names the headline location, so it participates too.
	corpus := st.Transcript
	if st.Result.Title != "" {
		corpus = st.Result.Title + ". " + corpus
	}
	st.Mentions = extractMentions(corpus)

	st.Report(1)
	return nil
}

// runGeocode resolves each mention. Names with no match become unresolved
// items; infrastructure failures abort the phase (transient, so the whole
// phase retries). Any unresolved item makes the run partial and clears the
// cacheable flag so a resubmission can try again.
func (a *Analyzer) runGeocode(ctx context.Context, st *State) error {
	// A retried phase starts clean or it would double-count mentions.
	st.Result.Places = []Place{}
	st.Result.Unresolved = nil
	total := len(st.Mentions)
	if total == 0 {
		st.Report(1)
		return nil
	}

	for i, mention := range st.Mentions {
		place, ok, err := a.geocoder.Resolve(ctx, mention)
		if err != nil {
			return err
		}
		if ok {
			st.Result.Places = append(st.Result.Places, place)
		} else {
			st.MarkUnresolved(mention)
		}
		st.Report(float64(i+1) / float64(total))
	}

	if unresolved := len(st.Result.Unresolved); unresolved > 0 {
		st.Cacheable = false
		return faults.Wrap(faults.ErrPartial, PhaseGeocode, "resolve places",
			fmt.Sprintf("%d of %d place mentions unresolved", unresolved, total), nil)
	}
	return nil
}
