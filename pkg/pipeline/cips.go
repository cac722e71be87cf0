package pipeline

import (
	"fmt"
	"strings"

	"github.com/husmancristian/resultsdb-updater/pkg/models"
)

// cipsEvent is a package sanity check run reporting a single verdict.
type cipsEvent struct {
	groupURL string
	outcome  models.Outcome
	data     map[string]any
}

func extractCIPS(headers, body fields) (*cipsEvent, error) {
	component, err := headers.value("component")
	if err != nil {
		return nil, err
	}
	buildType, err := headers.value("type")
	if err != nil {
		return nil, err
	}
	taskID, err := headers.value("id")
	if err != nil {
		return nil, err
	}
	scratch, err := headers.value("scratch")
	if err != nil {
		return nil, err
	}

	status, err := body.str("status")
	if err != nil {
		return nil, err
	}
	category, err := body.value("category")
	if err != nil {
		return nil, err
	}

	run, err := body.object("run")
	if err != nil {
		return nil, err
	}
	runURL, err := run.str("url")
	if err != nil {
		return nil, err
	}

	artifact, err := body.object("artifact")
	if err != nil {
		return nil, err
	}
	ci, err := body.object("ci")
	if err != nil {
		return nil, err
	}

	systems, err := body.objects("system")
	if err != nil {
		return nil, err
	}
	if len(systems) == 0 {
		return nil, fmt.Errorf("%w: field %q must not be empty", ErrInvalidMessage, body.at("system"))
	}
	system := systems[0]

	data := map[string]any{
		"item":         component,
		"build_type":   buildType,
		"brew_task_id": taskID,
		"category":     category,
		"component":    component,
		"scratch":      scratch,
	}
	required := []struct {
		key string
		src fields
		at  string
	}{
		{"issuer", artifact, "issuer"},
		{"rebuild", run, "rebuild"},
		{"log", run, "log"},
		{"system_os", system, "os"},
		{"system_provider", system, "provider"},
		{"ci_name", ci, "name"},
		{"ci_url", ci, "url"},
		{"ci_environment", ci, "environment"},
		{"ci_team", ci, "team"},
		{"ci_irc", ci, "irc"},
		{"ci_email", ci, "email"},
	}
	for _, r := range required {
		v, err := r.src.value(r.at)
		if err != nil {
			return nil, err
		}
		data[r.key] = v
	}

	return &cipsEvent{
		groupURL: trimSegments(runURL, 3),
		outcome:  models.Outcome(status),
		data:     models.CloneData(data),
	}, nil
}

// trimSegments drops the last n "/"-separated segments of s. With fewer
// separators than n, everything from the first one on is dropped.
func trimSegments(s string, n int) string {
	for i := 0; i < n; i++ {
		idx := strings.LastIndex(s, "/")
		if idx < 0 {
			break
		}
		s = s[:idx]
	}
	return s
}

func (ev *cipsEvent) results(groupUUID string) []models.Result {
	return []models.Result{{
		TestCase: models.TestCase{Name: "cips", RefURL: ev.groupURL},
		Groups:   []models.Group{{UUID: groupUUID, RefURL: ev.groupURL}},
		Outcome:  ev.outcome,
		RefURL:   ev.groupURL,
		Data:     ev.data,
	}}
}
