package adapter

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/amishk599/gigradar/internal/model"
)

var (
	projectIDPattern = regexp.MustCompile(`/projects?/(\d+)`)
	percentPattern   = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*%`)
)

// Labels on the project detail page.
const (
	labelHiringRate = "معدل التوظيف"
	labelBudget     = "الميزانية"
	labelNotYet     = "لم يحسب بعد"
)

// cleanText collapses runs of whitespace into single spaces.
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// projectID extracts the numeric id from a /project/<id>-<slug> link.
func projectID(href string) (int64, bool) {
	m := projectIDPattern.FindStringSubmatch(href)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// parsePercent reads "54.5%" style values. "not computed yet" and anything
// else without a number yields an unknown rate.
func parsePercent(text string) model.Rate {
	if strings.Contains(text, labelNotYet) {
		return model.UnknownRate()
	}
	m := percentPattern.FindStringSubmatch(text)
	if m == nil {
		return model.UnknownRate()
	}
	v, err := strconv.ParseFloat(strings.Replace(m[1], ",", ".", 1), 64)
	if err != nil {
		return model.UnknownRate()
	}
	return model.RateOf(v)
}

var postedLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parsePosted reads the datetime attribute of a listing's <time> element.
func parsePosted(s *goquery.Selection) *time.Time {
	raw, ok := s.Find("time[datetime]").First().Attr("datetime")
	if !ok {
		return nil
	}
	raw = strings.TrimSpace(raw)
	for _, layout := range postedLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// isChallenge detects anti-bot interstitials served with a 200 status.
func isChallenge(doc *goquery.Document) bool {
	if doc.Find("#challenge-form, #cf-challenge-running, .cf-browser-verification").Length() > 0 {
		return true
	}
	title := strings.ToLower(cleanText(doc.Find("title").Text()))
	return strings.Contains(title, "just a moment") || strings.Contains(title, "attention required")
}
