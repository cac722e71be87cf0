package pipeline

import (
	"strings"

	"github.com/husmancristian/resultsdb-updater/pkg/config"
	"github.com/husmancristian/resultsdb-updater/pkg/models"
)

// Schema names the producer format a message was recognised as.
type Schema string

const (
	SchemaNone      Schema = ""
	SchemaCIMetrics Schema = "ci-metrics"
	SchemaCIPS      Schema = "cips"
	SchemaResultsDB Schema = "resultsdb"
)

// ciTypeMetrics marks Jenkins metrics events regardless of their topic.
const ciTypeMetrics = "ci-metricsdata"

// Router picks a Schema from a message's headers and topic.
type Router struct {
	ciMetrics []string
	cips      []string
	results   []string
}

func NewRouter(routes config.RoutesConfig) *Router {
	return &Router{
		ciMetrics: routes.CIMetricsTopics,
		cips:      routes.CIPSTopics,
		results:   routes.ResultsTopics,
	}
}

// Route returns SchemaNone when no normalizer handles the message.
func (r *Router) Route(msg *models.Message) Schema {
	if msg == nil {
		return SchemaNone
	}
	if ciType, _ := msg.Headers["CI_TYPE"].(string); ciType == ciTypeMetrics {
		return SchemaCIMetrics
	}
	switch {
	case hasSuffix(msg.Topic, r.ciMetrics):
		return SchemaCIMetrics
	case hasSuffix(msg.Topic, r.cips):
		return SchemaCIPS
	case hasSuffix(msg.Topic, r.results):
		return SchemaResultsDB
	}
	return SchemaNone
}

func hasSuffix(topic string, suffixes []string) bool {
	if topic == "" {
		return false
	}
	for _, s := range suffixes {
		if s != "" && strings.HasSuffix(topic, s) {
			return true
		}
	}
	return false
}
