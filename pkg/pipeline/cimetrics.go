package pipeline

import (
	"log/slog"
	"strings"

	"github.com/husmancristian/resultsdb-updater/pkg/models"
)

const unknown = "unknown"

// ciMetricsEvent is a Jenkins job reporting one or more executed test suites.
type ciMetricsEvent struct {
	team       string
	jobName    string
	jobURL     string // testcase ref_url
	buildURL   string // group ref_url
	buildType  any
	artifact   any
	brewTaskID any
	component  any
	recipients []string
	ciTier     any
	tests      []map[string]any
}

func extractCIMetrics(logger *slog.Logger, body fields) (*ciMetricsEvent, error) {
	ev := &ciMetricsEvent{}
	var err error

	if ev.team, err = body.strOr("team", "unassigned"); err != nil {
		return nil, err
	}
	if !body.has("team") {
		logger.Warn(`The message did not contain a team. Using "unassigned" as the team namespace section of the Test Case`)
	}

	if body.has("job_name") {
		ev.jobName, err = body.str("job_name")
	} else {
		ev.jobName, err = body.str("job_names")
		if err == nil {
			logger.Warn("Saw message with the deprecated job_names field")
		}
	}
	if err != nil {
		return nil, err
	}

	if ev.jobURL, err = body.str("jenkins_job_url"); err != nil {
		return nil, err
	}
	if ev.buildURL, err = body.str("jenkins_build_url"); err != nil {
		return nil, err
	}

	tests, err := body.objects("tests")
	if err != nil {
		return nil, err
	}
	for _, t := range tests {
		ev.tests = append(ev.tests, t.m)
	}

	ev.buildType = body.valueOr("build_type", unknown)
	ev.artifact = body.valueOr("artifact", unknown)
	ev.brewTaskID = body.valueOr("brew_task_id", unknown)
	ev.component = body.valueOr("component", unknown)
	ev.ciTier = models.CloneValue(body.valueOr("CI_tier", []any{unknown}))

	if ev.recipients, err = recipients(body); err != nil {
		return nil, err
	}
	return ev, nil
}

// recipients accepts the usual comma separated string, or a list of names.
func recipients(body fields) ([]string, error) {
	if !body.has("recipients") {
		return []string{unknown}, nil
	}
	if list, err := body.list("recipients"); err == nil {
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s := strings.TrimSpace(text(item)); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	}
	s, err := body.str("recipients")
	if err != nil {
		return nil, err
	}
	return splitList(s), nil
}

// testType is "koji_build" for builds with a task id, with "_scratch" appended for scratch builds.
func (ev *ciMetricsEvent) testType() string {
	tt := unknown
	if id, isString := ev.brewTaskID.(string); !isString || id != unknown {
		tt = "koji_build"
	}
	if bt, _ := ev.buildType.(string); bt == "scratch" {
		tt += "_scratch"
	}
	return tt
}

// common is the data every result of the event carries.
func (ev *ciMetricsEvent) common() map[string]any {
	return map[string]any{
		"item":         models.CloneValue(ev.component),
		"type":         ev.testType(),
		"recipients":   append([]string(nil), ev.recipients...),
		"CI_tier":      models.CloneValue(ev.ciTier),
		"job_name":     ev.jobName,
		"artifact":     models.CloneValue(ev.artifact),
		"brew_task_id": models.CloneValue(ev.brewTaskID),
	}
}

// testOutcome is PASSED only for an explicit failure count of zero.
func testOutcome(test map[string]any) models.Outcome {
	v, ok := test["failed"]
	if !ok {
		return models.OutcomeFailed
	}
	if n, ok := counter(v); ok && n == 0 {
		return models.OutcomePassed
	}
	return models.OutcomeFailed
}

// results builds one result per test followed by the aggregate for the job.
func (ev *ciMetricsEvent) results(groupUUID string) []models.Result {
	groups := []models.Group{{UUID: groupUUID, RefURL: ev.buildURL}}
	refURL := strings.TrimRight(ev.buildURL, "/") + "/console"
	overall := models.OutcomePassed

	out := make([]models.Result, 0, len(ev.tests)+1)
	for _, test := range ev.tests {
		outcome := testOutcome(test)
		if outcome == models.OutcomeFailed {
			overall = models.OutcomeFailed
		}

		executor := unknown
		if v, ok := test["executor"]; ok {
			executor = text(v)
		}

		data := models.CloneData(test)
		for k, v := range ev.common() {
			data[k] = v
		}

		out = append(out, models.Result{
			TestCase: models.TestCase{Name: ev.team + "." + ev.jobName + "." + executor, RefURL: ev.jobURL},
			Groups:   groups,
			Outcome:  outcome,
			RefURL:   refURL,
			Data:     data,
		})
	}

	out = append(out, models.Result{
		TestCase: models.TestCase{Name: ev.team + "." + ev.jobName, RefURL: ev.jobURL},
		Groups:   groups,
		Outcome:  overall,
		RefURL:   refURL,
		Data:     ev.common(),
	})
	return out
}
