package fingerprint

import "strings"

// AutomationIndicator is one matched automation pattern. Weight is the
// severity of the pattern, Confidence how reliable the pattern is as a
// signal. No single indicator is fatal on its own.
type AutomationIndicator struct {
	Name       string  `json:"name"`
	Weight     float64 `json:"weight"`
	Confidence float64 `json:"confidence"`
}

// AutomationResult is the confidence-weighted verdict over all matched
// indicators.
type AutomationResult struct {
	Indicators []AutomationIndicator `json:"indicators"`
	Score      float64               `json:"score"`
	Flagged    bool                  `json:"flagged"`
}

type automationRule struct {
	name       string
	weight     float64
	confidence float64
	match      func(RequestFingerprint) bool
}

// Extractor evaluates automation rules against request fingerprints. The
// known-bot TLS list and the flag threshold come from configuration since
// they need ongoing tuning.
type Extractor struct {
	rules     []automationRule
	threshold float64
}

var headlessMarkers = []string{"headlesschrome", "phantomjs", "puppeteer", "playwright", "selenium", "electron"}

var cliToolMarkers = []string{"curl/", "wget/", "python-requests", "python-urllib", "go-http-client", "okhttp", "axios/", "java/", "libwww-perl", "scrapy"}

// NewExtractor builds an extractor with the ordered rule list. botTLS is
// the set of known-bot TLS fingerprint hashes; threshold is the
// confidence-weighted mean above which a request is flagged as automated.
func NewExtractor(botTLS []string, threshold float64) *Extractor {
	tlsSet := make(map[string]struct{}, len(botTLS))
	for _, f := range botTLS {
		tlsSet[f] = struct{}{}
	}
	e := &Extractor{threshold: threshold}
	e.rules = []automationRule{
		{
			name: "headless_browser", weight: 0.9, confidence: 0.95,
			match: func(fp RequestFingerprint) bool {
				ua := strings.ToLower(fp.UserAgent)
				for _, m := range headlessMarkers {
					if strings.Contains(ua, m) {
						return true
					}
				}
				return false
			},
		},
		{
			name: "cli_tool", weight: 0.95, confidence: 0.9,
			match: func(fp RequestFingerprint) bool {
				ua := strings.ToLower(fp.UserAgent)
				for _, m := range cliToolMarkers {
					if strings.Contains(ua, m) {
						return true
					}
				}
				return false
			},
		},
		{
			name: "missing_client_hints", weight: 0.5, confidence: 0.6,
			match: func(fp RequestFingerprint) bool {
				// Chromium-family browsers always send Sec-CH-UA; a claimed
				// Chrome without it is a spoofed UA string.
				ua := strings.ToLower(fp.UserAgent)
				claimsChromium := strings.Contains(ua, "chrome/") || strings.Contains(ua, "edg/")
				return claimsChromium && fp.ClientHintUA == ""
			},
		},
		{
			name: "known_bot_tls", weight: 0.85, confidence: 0.9,
			match: func(fp RequestFingerprint) bool {
				if fp.TLSFingerprint == "" {
					return false
				}
				_, ok := tlsSet[fp.TLSFingerprint]
				return ok
			},
		},
		{
			name: "missing_accept_language", weight: 0.4, confidence: 0.5,
			match: func(fp RequestFingerprint) bool {
				return fp.UserAgent != "" && fp.AcceptLanguage == ""
			},
		},
		{
			name: "empty_user_agent", weight: 0.7, confidence: 0.8,
			match: func(fp RequestFingerprint) bool {
				return strings.TrimSpace(fp.UserAgent) == ""
			},
		},
	}
	return e
}

// DetectAutomation runs every rule and folds the matched indicators into a
// confidence-weighted mean. The result is flagged when the mean reaches the
// configured threshold.
func (e *Extractor) DetectAutomation(fp RequestFingerprint) AutomationResult {
	var res AutomationResult
	var weighted, confSum float64
	for _, r := range e.rules {
		if !r.match(fp) {
			continue
		}
		res.Indicators = append(res.Indicators, AutomationIndicator{
			Name:       r.name,
			Weight:     r.weight,
			Confidence: r.confidence,
		})
		weighted += r.weight * r.confidence
		confSum += r.confidence
	}
	if confSum > 0 {
		res.Score = weighted / confSum
	}
	res.Flagged = res.Score >= e.threshold
	return res
}
