// Package classify maps raw deployment failures to a user-facing cause and
// remedy. It is presentation only and never drives orchestration.
package classify

import (
	"regexp"
	"strings"

	"github.com/splax/launchpad/pkg/api/client"
)

// Kind names a failure category.
type Kind string

const (
	NameCollision         Kind = "NameCollision"
	TemplateSourceMissing Kind = "TemplateSourceMissing"
	PermissionDenied      Kind = "PermissionDenied"
	CredentialExpired     Kind = "CredentialExpired"
	RateLimited           Kind = "RateLimited"
	HostActivationFailed  Kind = "HostActivationFailed"
	NetworkOrServerError  Kind = "NetworkOrServerError"
	QuotaExceeded         Kind = "QuotaExceeded"
	Unknown               Kind = "Unknown"
)

// activateStep is the pipeline key of the hosting activation step.
const activateStep = "activate"

// Classification is the display form of a failure.
type Classification struct {
	Kind   Kind
	Cause  string
	Remedy string
	// FailedStep is the label of the first errored step, empty without job context.
	FailedStep string
	// Details is the raw upstream message, shown only on request.
	Details string
}

type input struct {
	raw        string
	lower      string
	failedName string
	failedStep string
}

type rule struct {
	kind   Kind
	cause  string
	remedy string
	match  func(input) bool
}

func status(codes ...string) *regexp.Regexp {
	return regexp.MustCompile(`\b(` + strings.Join(codes, "|") + `)\b`)
}

func contains(subs ...string) func(string) bool {
	return func(s string) bool {
		for _, sub := range subs {
			if strings.Contains(s, sub) {
				return true
			}
		}
		return false
	}
}

var (
	collisionCode  = status("409", "422")
	forbiddenCode  = status("403")
	authCode       = status("401")
	rateCode       = status("429")
	rateWord       = regexp.MustCompile(`\brate`)
	serverCode     = status("500", "502", "503", "504")
	templateAbsent = regexp.MustCompile(`template.*not found`)

	hasAlreadyExists = contains("already exists")
	hasPermission    = contains("permission")
	hasToken         = contains("token")
	hasActivation    = contains("activation", "activate", "not live")
	hasNetwork       = contains("network", "fetch", "bad gateway", "connection refused", "timed out")
	hasQuota         = contains("quota", "limit")
)

// rules are evaluated in order; the first match wins.
var rules = []rule{
	{
		kind:   NameCollision,
		cause:  "A repository with this site name already exists on your account.",
		remedy: "Use a different site name.",
		match: func(in input) bool {
			return collisionCode.MatchString(in.lower) || hasAlreadyExists(in.lower)
		},
	},
	{
		kind:   TemplateSourceMissing,
		cause:  "The template's source repository could not be found.",
		remedy: "Pick another template or ask its maintainer to restore the source repository.",
		match: func(in input) bool {
			return templateAbsent.MatchString(in.lower)
		},
	},
	{
		kind:   PermissionDenied,
		cause:  "The linked account is not allowed to perform this action.",
		remedy: "Grant repository access to the app and reconnect your account.",
		match: func(in input) bool {
			return forbiddenCode.MatchString(in.lower) || hasPermission(in.lower)
		},
	},
	{
		kind:   CredentialExpired,
		cause:  "Your account connection has expired or is no longer valid.",
		remedy: "Reconnect your account.",
		match: func(in input) bool {
			return authCode.MatchString(in.lower) || hasToken(in.lower)
		},
	},
	{
		kind:   RateLimited,
		cause:  "The provider is temporarily rate limiting requests.",
		remedy: "Wait a few minutes, then start over.",
		match: func(in input) bool {
			return rateCode.MatchString(in.lower) || rateWord.MatchString(in.lower)
		},
	},
	{
		kind:   HostActivationFailed,
		cause:  "The site was built but the hosting provider could not activate it.",
		remedy: "Check the repository's Pages settings, then start over.",
		match: func(in input) bool {
			return hasActivation(in.lower) || in.failedName == activateStep
		},
	},
	{
		kind:   NetworkOrServerError,
		cause:  "The provider could not be reached or reported a server error.",
		remedy: "Try again later.",
		match: func(in input) bool {
			return serverCode.MatchString(in.lower) || hasNetwork(in.lower)
		},
	},
	{
		kind:   QuotaExceeded,
		cause:  "A quota or plan limit on your account has been reached.",
		remedy: "Free up resources or upgrade your plan, then start over.",
		match: func(in input) bool {
			return hasQuota(in.lower)
		},
	},
}

var fallback = rule{
	kind:   Unknown,
	cause:  "The deployment failed for an unexpected reason.",
	remedy: "Start over. If it keeps failing, share the technical details with support.",
}

// Classify maps raw and the optional status document to a Classification.
// When raw is empty the document's recorded failure message is used.
func Classify(raw string, doc *client.StatusDocument) Classification {
	in := input{raw: raw}
	if doc != nil {
		if strings.TrimSpace(in.raw) == "" {
			in.raw = doc.FailureMessage()
		}
		if step, ok := doc.FailedStep(); ok {
			in.failedName = step.Name
			in.failedStep = step.Label
		}
	}
	in.lower = strings.ToLower(in.raw)

	matched := fallback
	for _, r := range rules {
		if r.match(in) {
			matched = r
			break
		}
	}
	return Classification{
		Kind:       matched.kind,
		Cause:      matched.cause,
		Remedy:     matched.remedy,
		FailedStep: in.failedStep,
		Details:    in.raw,
	}
}

// Kinds lists every category in precedence order, ending with Unknown.
func Kinds() []Kind {
	out := make([]Kind, 0, len(rules)+1)
	for _, r := range rules {
		out = append(out, r.kind)
	}
	return append(out, fallback.kind)
}
