package normalize

// DefaultMapping returns the built-in mapping for a known integration
// type. Sources of unknown types need an explicit mapping.
func DefaultMapping(typ string) (Mapping, bool) {
	switch typ {
	case "elastic_siem":
		return Mapping{
			Name:          "signal.rule.name",
			RuleID:        "signal.rule.id",
			RuleName:      "signal.rule.name",
			Description:   "signal.rule.description",
			Severity:      "signal.rule.risk_score", // already 0..100
			SeverityScale: 1,
			Timestamp:     "@timestamp",
			Entities: map[string]string{
				"host": "host.name",
				"user": "user.name",
			},
			Indicators: map[string][]string{
				"ip":     {"source.ip", "destination.ip", "host.ip"},
				"hash":   {"process.hash.sha256", "file.hash.sha256"},
				"domain": {"dns.question.name"},
				"url":    {"url.full"},
			},
		}, true
	case "ibm_qradar":
		return Mapping{
			Name:          "description",
			RuleID:        "rules.0.id",
			RuleName:      "description",
			Description:   "description",
			Severity:      "severity", // 0..10
			SeverityScale: 10,
			Timestamp:     "start_time", // epoch millis
			Entities: map[string]string{
				"offense_source": "offense_source",
				"domain":         "domain_id",
			},
			Indicators: map[string][]string{
				"ip": {"offense_source", "source_address_ids.0"},
			},
		}, true
	default:
		return Mapping{}, false
	}
}
