package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/husmancristian/resultsdb-updater/pkg/config"
	"github.com/husmancristian/resultsdb-updater/pkg/models"
	"github.com/husmancristian/resultsdb-updater/pkg/resultsdb"

	json "github.com/goccy/go-json"
)

const fixedUUID = "1bb0a6a5-3287-4321-9dc5-72258a302a37"

// fakeResultsDB records every call it receives.
type fakeResultsDB struct {
	t *testing.T

	mu          sync.Mutex
	posts       []map[string]any
	lookups     []string
	groupsBody  string
	groupStatus int
	postStatus  func(n int) int // n counts POSTs from 1
}

func newFakeResultsDB(t *testing.T) (*fakeResultsDB, *httptest.Server) {
	f := &fakeResultsDB{
		t:           t,
		groupsBody:  `{"data": []}`,
		groupStatus: http.StatusOK,
		postStatus:  func(int) int { return http.StatusCreated },
	}
	server := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(server.Close)
	return f, server
}

func (f *fakeResultsDB) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/v2.0/groups":
		f.lookups = append(f.lookups, r.URL.Query().Get("description"))
		w.WriteHeader(f.groupStatus)
		io.WriteString(w, f.groupsBody)
	case r.Method == http.MethodPost && r.URL.Path == "/api/v2.0/results":
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			f.t.Errorf("failed to decode posted result: %v", err)
		}
		f.posts = append(f.posts, body)
		w.WriteHeader(f.postStatus(len(f.posts)))
	default:
		f.t.Errorf("unexpected request %s %s", r.Method, r.URL.String())
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeResultsDB) calls() (posts []map[string]any, lookups []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.posts...), append([]string(nil), f.lookups...)
}

func newTestPipeline(t *testing.T, server *httptest.Server) *Pipeline {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	policy := resultsdb.DefaultRetryPolicy()
	policy.BackoffFactor = 0
	client, err := resultsdb.NewClient(
		config.ResultsDBConfig{APIURL: server.URL + "/api/v2.0"},
		logger,
		resultsdb.WithRetryPolicy(policy),
	)
	if err != nil {
		t.Fatalf("NewClient() unexpected error: %v", err)
	}
	return New(client, config.Defaults().Routes, logger, WithUUIDGenerator(func() string { return fixedUUID }))
}

func loadFixture(t *testing.T, name string) *models.Message {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("failed to read fixture %s: %v", name, err)
	}
	msg, err := models.DecodeMessage(data)
	if err != nil {
		t.Fatalf("failed to decode fixture %s: %v", name, err)
	}
	return msg
}

func decodeJSON(t *testing.T, s string) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		t.Fatalf("bad expected JSON: %v", err)
	}
	return out
}

func assertPosted(t *testing.T, got map[string]any, want string) {
	t.Helper()
	if expected := decodeJSON(t, want); !reflect.DeepEqual(got, expected) {
		gotJSON, _ := json.MarshalIndent(got, "", "  ")
		t.Errorf("posted result mismatch\n got: %s\nwant: %s", gotJSON, want)
	}
}

func TestConsumeCIMetrics(t *testing.T) {
	fake, server := newFakeResultsDB(t)
	p := newTestPipeline(t, server)

	ok, err := p.Consume(context.Background(), loadFixture(t, "ci_metrics.json"))
	if err != nil || !ok {
		t.Fatalf("Consume() = %v, %v; want true, nil", ok, err)
	}

	posts, lookups := fake.calls()
	if len(lookups) != 0 {
		t.Errorf("group lookups = %v, want none", lookups)
	}
	if len(posts) != 2 {
		t.Fatalf("got %d posts, want 2", len(posts))
	}

	assertPosted(t, posts[0], `{
		"data": {
			"CI_tier": 1,
			"artifact": "unknown",
			"brew_task_id": 14655525,
			"executed": 6,
			"executor": "CI_OSP",
			"failed": 2,
			"item": "libreswan-3.23-0.1.rc1.el6_9",
			"job_name": "ci-libreswan-brew-rhel-6.9-z-candidate-2-runtest",
			"recipients": ["tbrady", "rgronkowski"],
			"type": "koji_build"
		},
		"groups": [{"ref_url": "https://domain.local/job/ci-openstack/5154/", "uuid": "1bb0a6a5-3287-4321-9dc5-72258a302a37"}],
		"note": "",
		"outcome": "FAILED",
		"ref_url": "https://domain.local/job/ci-openstack/5154/console",
		"testcase": {
			"name": "baseos.ci-libreswan-brew-rhel-6.9-z-candidate-2-runtest.CI_OSP",
			"ref_url": "https://domain.local/job/ci-openstack/"
		}
	}`)

	assertPosted(t, posts[1], `{
		"data": {
			"CI_tier": 1,
			"artifact": "unknown",
			"brew_task_id": 14655525,
			"item": "libreswan-3.23-0.1.rc1.el6_9",
			"job_name": "ci-libreswan-brew-rhel-6.9-z-candidate-2-runtest",
			"recipients": ["tbrady", "rgronkowski"],
			"type": "koji_build"
		},
		"groups": [{"ref_url": "https://domain.local/job/ci-openstack/5154/", "uuid": "1bb0a6a5-3287-4321-9dc5-72258a302a37"}],
		"note": "",
		"outcome": "FAILED",
		"ref_url": "https://domain.local/job/ci-openstack/5154/console",
		"testcase": {
			"name": "baseos.ci-libreswan-brew-rhel-6.9-z-candidate-2-runtest",
			"ref_url": "https://domain.local/job/ci-openstack/"
		}
	}`)
}

func TestConsumeRPMDiffReusesGroup(t *testing.T) {
	fake, server := newFakeResultsDB(t)
	fake.groupsBody = `{"data": [{"description": "https://domain.local/run/12345", "uuid": "529da400-fc74-4b28-af81-52f56816a2cb"}]}`
	p := newTestPipeline(t, server)

	ok, err := p.Consume(context.Background(), loadFixture(t, "rpmdiff_analysis.json"))
	if err != nil || !ok {
		t.Fatalf("Consume() = %v, %v; want true, nil", ok, err)
	}

	posts, lookups := fake.calls()
	if !reflect.DeepEqual(lookups, []string{"https://domain.local/run/12345"}) {
		t.Errorf("group lookups = %v", lookups)
	}
	if len(posts) != 1 {
		t.Fatalf("got %d posts, want 1", len(posts))
	}
	assertPosted(t, posts[0], `{
		"data": {
			"item": "setup-2.8.71-5.el7_1",
			"newnvr": "setup-2.8.71-5.el7_1",
			"oldnvr": "setup-2.8.71-5.el7",
			"scratch": true,
			"taskid": 12644803,
			"type": "koji_build"
		},
		"groups": [{
			"description": "https://domain.local/run/12345",
			"ref_url": "https://domain.local/run/12345",
			"uuid": "529da400-fc74-4b28-af81-52f56816a2cb"
		}],
		"note": "",
		"outcome": "NEEDS_INSPECTION",
		"ref_url": "https://domain.local/run/12345",
		"testcase": {"name": "dist.rpmdiff.analysis", "ref_url": "https://domain.local/rpmdiff-in-ci"}
	}`)

	if s := p.Metrics().Snapshot(); s.GroupsReused != 1 || s.GroupsCreated != 0 {
		t.Errorf("group counters = %+v, want one reuse", s)
	}
}

func TestConsumeRPMDiffRewritesRunURL(t *testing.T) {
	fake, server := newFakeResultsDB(t)
	p := newTestPipeline(t, server)

	ok, err := p.Consume(context.Background(), loadFixture(t, "rpmdiff_comparison.json"))
	if err != nil || !ok {
		t.Fatalf("Consume() = %v, %v; want true, nil", ok, err)
	}

	posts, lookups := fake.calls()
	if !reflect.DeepEqual(lookups, []string{"https://domain.local/run/12345"}) {
		t.Errorf("group lookups = %v", lookups)
	}
	if len(posts) != 1 {
		t.Fatalf("got %d posts, want 1", len(posts))
	}
	assertPosted(t, posts[0], `{
		"data": {
			"item": "lapack-3.4.2-8.el7 lapack-3.4.2-7.el7",
			"newnvr": "lapack-3.4.2-8.el7",
			"oldnvr": "lapack-3.4.2-7.el7",
			"scratch": false,
			"taskid": 12665429,
			"type": "koji_build_pair"
		},
		"groups": [{
			"description": "https://domain.local/run/12345",
			"ref_url": "https://domain.local/run/12345",
			"uuid": "1bb0a6a5-3287-4321-9dc5-72258a302a37"
		}],
		"note": "",
		"outcome": "PASSED",
		"ref_url": "https://domain.local/run/12345/13",
		"testcase": {
			"name": "dist.rpmdiff.comparison.abi_symbols",
			"ref_url": "https://domain.local/display/HTD/rpmdiff-abi-symbols"
		}
	}`)
}

func TestConsumeSingleWithoutRewrite(t *testing.T) {
	fake, server := newFakeResultsDB(t)
	p := newTestPipeline(t, server)

	ok, err := p.Consume(context.Background(), loadFixture(t, "covscan.json"))
	if err != nil || !ok {
		t.Fatalf("Consume() = %v, %v; want true, nil", ok, err)
	}

	posts, lookups := fake.calls()
	if !reflect.DeepEqual(lookups, []string{"http://domain.local/covscanhub/task/64208/log/added.html"}) {
		t.Errorf("group lookups = %v", lookups)
	}
	if len(posts) != 1 {
		t.Fatalf("got %d posts, want 1", len(posts))
	}
	assertPosted(t, posts[0], `{
		"data": {
			"item": "ipa-4.5.4-5.el7 ipa-4.5.4-4.el7",
			"newnvr": "ipa-4.5.4-5.el7",
			"oldnvr": "ipa-4.5.4-4.el7",
			"scratch": true,
			"taskid": 14655680,
			"type": "koji_build_pair"
		},
		"groups": [{
			"description": "http://domain.local/covscanhub/task/64208/log/added.html",
			"ref_url": "http://domain.local/covscanhub/task/64208/log/added.html",
			"uuid": "1bb0a6a5-3287-4321-9dc5-72258a302a37"
		}],
		"note": "",
		"outcome": "PASSED",
		"ref_url": "http://domain.local/covscanhub/task/64208/log/added.html",
		"testcase": {"name": "dist.covscan", "ref_url": "https://domain.local/covscan-in-ci"}
	}`)

	if s := p.Metrics().Snapshot(); s.GroupsCreated != 1 {
		t.Errorf("GroupsCreated = %d, want 1", s.GroupsCreated)
	}
}

func TestConsumeCIPS(t *testing.T) {
	fake, server := newFakeResultsDB(t)
	p := newTestPipeline(t, server)

	ok, err := p.Consume(context.Background(), loadFixture(t, "cips.json"))
	if err != nil || !ok {
		t.Fatalf("Consume() = %v, %v; want true, nil", ok, err)
	}

	posts, _ := fake.calls()
	if len(posts) != 1 {
		t.Fatalf("got %d posts, want 1", len(posts))
	}
	assertPosted(t, posts[0], `{
		"data": {
			"component": "setup-2.8.71-7.el7_4",
			"brew_task_id": "15477983",
			"category": "sanity",
			"item": "setup-2.8.71-7.el7_4",
			"scratch": true,
			"build_type": "brew-build",
			"issuer": "jenkins/domain.local",
			"rebuild": "https://domain.local/job/ci-package-sanity-development/label=ose-slave-tps,provision_arch=x86_64/1835//rebuild/parametrized",
			"log": "https://domain.local/job/ci-package-sanity-development/label=ose-slave-tps,provision_arch=x86_64/1835//console",
			"system_os": "rhel-7.4-server-x86_64-updated",
			"system_provider": "openstack",
			"ci_name": "RPM Factory",
			"ci_url": "https://domain.local",
			"ci_environment": "production",
			"ci_team": "rpm-factory",
			"ci_irc": "#rpm-factory",
			"ci_email": "nobody@redhat.com"
		},
		"groups": [{
			"ref_url": "https://domain.local/job/ci-package-sanity-development/label=ose-slave-tps,provision_arch=x86_64/1835",
			"uuid": "1bb0a6a5-3287-4321-9dc5-72258a302a37"
		}],
		"note": "",
		"outcome": "PASSED",
		"ref_url": "https://domain.local/job/ci-package-sanity-development/label=ose-slave-tps,provision_arch=x86_64/1835",
		"testcase": {
			"name": "cips",
			"ref_url": "https://domain.local/job/ci-package-sanity-development/label=ose-slave-tps,provision_arch=x86_64/1835"
		}
	}`)
}

func TestConsumeBulkResults(t *testing.T) {
	fake, server := newFakeResultsDB(t)
	p := newTestPipeline(t, server)

	ok, err := p.Consume(context.Background(), loadFixture(t, "bulk_results.json"))
	if err != nil || !ok {
		t.Fatalf("Consume() = %v, %v; want true, nil", ok, err)
	}

	posts, lookups := fake.calls()
	if len(lookups) != 0 {
		t.Errorf("group lookups = %v, want none for bulk messages", lookups)
	}

	want := map[string]string{
		"dva.ami":                "http://domain.local/path/to/test",
		"dva.ami.memory":         "http://domain.local/path/to/test/memory",
		"dva.ami.no_avc_denials": "http://domain.local/path/to/test/no_avc_denials_test",
	}
	if len(posts) != len(want) {
		t.Fatalf("got %d posts, want %d", len(posts), len(want))
	}

	seen := map[string]bool{}
	for _, post := range posts {
		name, _ := post["testcase"].(string)
		refURL, known := want[name]
		if !known {
			t.Errorf("unexpected testcase %#v", post["testcase"])
			continue
		}
		seen[name] = true
		assertPosted(t, post, `{
			"data": {"item": "ami-b63769a1"},
			"groups": [{"ref_url": "http://domain.local/path/to/test", "uuid": "1bb0a6a5-3287-4321-9dc5-72258a302a37"}],
			"note": "",
			"outcome": "PASSED",
			"ref_url": "`+refURL+`",
			"testcase": "`+name+`"
		}`)
	}
	if len(seen) != len(want) {
		t.Errorf("processed testcases %v, want all of %v", seen, want)
	}
}

func TestConsumeBogusMakesNoCalls(t *testing.T) {
	fake, server := newFakeResultsDB(t)
	p := newTestPipeline(t, server)

	ok, err := p.Consume(context.Background(), loadFixture(t, "bogus.json"))
	if ok {
		t.Error("Consume() = true, want false")
	}
	if !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("Consume() error = %v, want ErrInvalidMessage", err)
	}
	posts, lookups := fake.calls()
	if len(posts) != 0 || len(lookups) != 0 {
		t.Errorf("got %d posts and %d lookups, want none", len(posts), len(lookups))
	}
	if s := p.Metrics().Snapshot(); s.MessagesInvalid != 1 {
		t.Errorf("MessagesInvalid = %d, want 1", s.MessagesInvalid)
	}
}

func TestConsumeUnroutedMessage(t *testing.T) {
	fake, server := newFakeResultsDB(t)
	p := newTestPipeline(t, server)

	msg := loadFixture(t, "covscan.json")
	msg.Topic = "/topic/VirtualTopic.eng.brew.build.complete"

	ok, err := p.Consume(context.Background(), msg)
	if ok || err != nil {
		t.Errorf("Consume() = %v, %v; want false, nil", ok, err)
	}
	if posts, lookups := fake.calls(); len(posts)+len(lookups) != 0 {
		t.Errorf("made %d calls, want none", len(posts)+len(lookups))
	}
	if s := p.Metrics().Snapshot(); s.MessagesSkipped != 1 {
		t.Errorf("MessagesSkipped = %d, want 1", s.MessagesSkipped)
	}
}

func TestConsumeStopsAtFirstFailure(t *testing.T) {
	fake, server := newFakeResultsDB(t)
	fake.postStatus = func(n int) int {
		if n == 1 {
			return http.StatusBadRequest
		}
		return http.StatusCreated
	}
	p := newTestPipeline(t, server)

	msg := loadFixture(t, "ci_metrics.json")
	ok, err := p.Consume(context.Background(), msg)
	if ok || err != nil {
		t.Fatalf("Consume() = %v, %v; want false, nil", ok, err)
	}
	if posts, _ := fake.calls(); len(posts) != 1 {
		t.Errorf("got %d posts, want the aggregate skipped after the first failure", len(posts))
	}
	if s := p.Metrics().Snapshot(); s.MessagesFailed != 1 || s.ResultsFailed != 1 {
		t.Errorf("counters = %+v, want one failed message and result", s)
	}
}

func TestConsumeGroupLookupFailure(t *testing.T) {
	fake, server := newFakeResultsDB(t)
	fake.groupStatus = http.StatusNotFound
	fake.groupsBody = `{"message": "no such endpoint"}`
	p := newTestPipeline(t, server)

	ok, err := p.Consume(context.Background(), loadFixture(t, "covscan.json"))
	if ok {
		t.Error("Consume() = true, want false")
	}
	if !errors.Is(err, resultsdb.ErrGroupLookup) {
		t.Errorf("Consume() error = %v, want ErrGroupLookup", err)
	}
	if posts, _ := fake.calls(); len(posts) != 0 {
		t.Errorf("got %d posts, want none", len(posts))
	}
	if s := p.Metrics().Snapshot(); s.MessagesFailed != 1 || s.MessagesInvalid != 0 {
		t.Errorf("counters = %+v, want a group lookup failure counted as failed, not invalid", s)
	}
}

func TestConsumeRPMDiffBadURL(t *testing.T) {
	fake, server := newFakeResultsDB(t)
	p := newTestPipeline(t, server)

	msg := loadFixture(t, "rpmdiff_comparison.json")
	msg.Body.Msg["ref_url"] = "https://domain.local/runs/abc"

	ok, err := p.Consume(context.Background(), msg)
	if ok || !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("Consume() = %v, %v; want false, ErrInvalidMessage", ok, err)
	}
	if posts, lookups := fake.calls(); len(posts)+len(lookups) != 0 {
		t.Errorf("made %d calls, want none", len(posts)+len(lookups))
	}
}
