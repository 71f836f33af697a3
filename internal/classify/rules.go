package classify

import "github.com/BTreeMap/SyncPipe/internal/models"

// rule matches when every term group has at least one term present in the
// lower-cased error text and none of the excluded terms is.
type rule struct {
	category models.ErrorCategory
	severity models.Severity
	action   models.SuggestedAction
	groups   [][]string
	exclude  []string
}

var authTerms = []string{"access_token", "unauthorized", "authentication", "oauth"}

// rules are evaluated in order; the first match wins. The vocabularies
// overlap ("invalid oauth token" vs "invalid field"), so order matters.
var rules = []rule{
	{
		category: models.ErrorCategoryCredentialExpired,
		severity: models.SeverityHigh,
		action:   models.ActionRefreshCredential,
		groups:   [][]string{authTerms, {"expired", "invalid_grant"}},
	},
	{
		category: models.ErrorCategoryCredentialInvalid,
		severity: models.SeverityCritical,
		action:   models.ActionManualIntervention,
		groups:   [][]string{authTerms},
	},
	{
		category: models.ErrorCategoryRateLimit,
		severity: models.SeverityMedium,
		action:   models.ActionQueueForBatch,
		groups:   [][]string{{"rate limit", "too many requests", "quota exceeded", "429"}},
	},
	{
		category: models.ErrorCategoryNetwork,
		severity: models.SeverityMedium,
		action:   models.ActionRetryWithBackoff,
		groups: [][]string{{
			"network", "timeout", "connection", "econnreset", "econnrefused",
			"enotfound", "etimedout", "eai_again", "socket hang up", "no such host",
		}},
	},
	{
		category: models.ErrorCategoryRemoteServer,
		severity: models.SeverityHigh,
		action:   models.ActionRetryWithBackoff,
		groups:   [][]string{{"server error", "internal server", "500", "502", "503"}},
	},
	{
		category: models.ErrorCategoryFieldMapping,
		severity: models.SeverityLow,
		action:   models.ActionRefreshFieldCache,
		groups:   [][]string{{"field"}, {"invalid", "missing", "mapping"}},
		// "validation failed: required field missing" is a payload problem,
		// not a stale mapping.
		exclude: []string{"validation", "required"},
	},
	{
		category: models.ErrorCategoryValidation,
		severity: models.SeverityLow,
		action:   models.ActionManualReview,
		groups:   [][]string{{"validation", "required", "invalid format", "bad request"}},
	},
}

var fallbackRule = rule{
	category: models.ErrorCategoryUnknown,
	severity: models.SeverityMedium,
	action:   models.ActionConservativeRetry,
}
