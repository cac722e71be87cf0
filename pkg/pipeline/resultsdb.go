package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/husmancristian/resultsdb-updater/pkg/models"
)

const rpmdiffPrefix = "dist.rpmdiff"

// rpmdiffURL matches <prefix>/run/<run>[/<result>]; only <prefix>/run/<run> identifies the group.
var rpmdiffURL = regexp.MustCompile(`^(http.+/run/)(\d+)/?(\d+)?$`)

// resultsDBEvent is a message already shaped like ResultsDB results, either a
// single result or a bulk mapping of testcase name to result.
type resultsDBEvent struct {
	refURL      string
	groupRefURL string
	bulk        []bulkEntry
	single      *models.Result
}

type bulkEntry struct {
	testcase string
	outcome  models.Outcome
	refURL   string
	data     map[string]any
	note     string
}

func extractResultsDB(body fields) (*resultsDBEvent, error) {
	refURL, err := body.str("ref_url")
	if err != nil {
		return nil, err
	}
	ev := &resultsDBEvent{refURL: refURL, groupRefURL: refURL}

	if strings.HasPrefix(testcaseName(body.valueOr("testcase", nil)), rpmdiffPrefix) {
		if ev.groupRefURL, err = rpmdiffGroupURL(refURL); err != nil {
			return nil, err
		}
	}

	if isBulk(body) {
		ev.bulk, err = extractBulk(body)
		return ev, err
	}
	ev.single, err = extractSingle(body, refURL)
	return ev, err
}

// rpmdiffGroupURL strips the per-result suffix so every result of a run shares one group.
func rpmdiffGroupURL(refURL string) (string, error) {
	m := rpmdiffURL.FindStringSubmatch(refURL)
	if m == nil {
		return "", fmt.Errorf("%w: the ref_url of %q did not match the rpmdiff URL scheme", ErrInvalidMessage, refURL)
	}
	return m[1] + m[2], nil
}

func isBulk(body fields) bool {
	switch r := body.valueOr("results", nil).(type) {
	case map[string]any:
		return len(r) > 0
	case nil:
		return false
	default:
		// Let extractBulk report the wrong type.
		return true
	}
}

func extractBulk(body fields) ([]bulkEntry, error) {
	results, err := body.object("results")
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(results.m))
	for name := range results.m {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]bulkEntry, 0, len(names))
	for _, name := range names {
		r, err := results.object(name)
		if err != nil {
			return nil, err
		}
		e := bulkEntry{testcase: name}
		outcome, err := r.str("outcome")
		if err != nil {
			return nil, err
		}
		e.outcome = models.Outcome(outcome)
		if e.refURL, err = r.strOr("ref_url", ""); err != nil {
			return nil, err
		}
		if e.note, err = r.strOr("note", ""); err != nil {
			return nil, err
		}
		e.data = map[string]any{}
		if r.has("data") {
			d, err := r.object("data")
			if err != nil {
				return nil, err
			}
			e.data = models.CloneData(d.m)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func extractSingle(body fields, refURL string) (*models.Result, error) {
	testcase, err := body.value("testcase")
	if err != nil {
		return nil, err
	}
	switch testcase.(type) {
	case map[string]any, string:
	default:
		return nil, fmt.Errorf("%w: field %q must be an object or a string, got %T", ErrInvalidMessage, body.at("testcase"), testcase)
	}

	outcome, err := body.str("outcome")
	if err != nil {
		return nil, err
	}
	data, err := body.object("data")
	if err != nil {
		return nil, err
	}
	note, err := body.strOr("note", "")
	if err != nil {
		return nil, err
	}
	return &models.Result{
		TestCase: models.CloneValue(testcase),
		Outcome:  models.Outcome(outcome),
		RefURL:   refURL,
		Note:     note,
		Data:     models.CloneData(data.m),
	}, nil
}

// resultsDBResults resolves the group and returns the results to submit.
// Bulk messages always get a new group; a single result joins the group
// whose description is its reference URL, if the service knows one.
func (p *Pipeline) resultsDBResults(ctx context.Context, logger *slog.Logger, ev *resultsDBEvent) ([]models.Result, error) {
	if ev.single == nil {
		groups := []models.Group{{UUID: p.newUUID(), RefURL: ev.groupRefURL}}
		out := make([]models.Result, 0, len(ev.bulk))
		for _, e := range ev.bulk {
			out = append(out, models.Result{
				TestCase: e.testcase,
				Groups:   groups,
				Outcome:  e.outcome,
				RefURL:   e.refURL,
				Note:     e.note,
				Data:     e.data,
			})
		}
		return out, nil
	}

	existing, err := p.results.GetFirstGroup(ctx, ev.groupRefURL)
	if err != nil {
		return nil, err
	}

	m := p.metrics
	group := models.Group{RefURL: ev.groupRefURL, Description: ev.groupRefURL}
	if existing != nil && existing.UUID != "" {
		group.UUID = existing.UUID
		m.Inc(&m.GroupsReusedTotal)
		logger.Debug("Reusing existing group", slog.String("group_uuid", group.UUID))
	} else {
		group.UUID = p.newUUID()
		m.Inc(&m.GroupsCreatedTotal)
	}

	result := *ev.single
	result.Groups = []models.Group{group}
	return []models.Result{result}, nil
}
