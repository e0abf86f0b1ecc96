package conversation

import (
	"strings"

	"pulsar-assistant/internal/domain"
)

var requestKeywords = []struct {
	request  domain.RequestType
	keywords []string
}{
	{domain.RequestBetterOffers, []string{"better offer", "offer", "discount", "promotion"}},
	{domain.RequestPriceOptimization, []string{"price optimi", "pricing", "price"}},
	{domain.RequestAnalytics, []string{"analytic", "recommendation", "report", "insight"}},
}

// ClassifyRequest maps the user's goal answer to a request type. The first
// matching category wins; unmatched answers are RequestGeneral.
func ClassifyRequest(answer string) domain.RequestType {
	lower := strings.ToLower(answer)
	for _, rk := range requestKeywords {
		for _, kw := range rk.keywords {
			if strings.Contains(lower, kw) {
				return rk.request
			}
		}
	}
	return domain.RequestGeneral
}
