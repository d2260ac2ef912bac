package inspect

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const goodDoc = `# HTTP Client

The client wraps the REST API and retries transient failures automatically.

## Parameters

The constructor accepts a timeout parameter and an optional logger. The
default timeout is thirty seconds, which suits most interactive usage.

## Example

` + "```go\nc := client.New(key)\nresp, err := c.Do(ctx, req)\n```" + `

Note: the client is safe for concurrent use. Every method returns an error
value that callers are expected to check before reading the response.`

func TestValidateQualityAcceptsDocumentation(t *testing.T) {
	t.Parallel()

	report := ValidateQuality(goodDoc, len(goodDoc)*3, DefaultQualityConfig())
	require.True(t, report.Passed, "reasons: %v", report.Reasons)
	require.Empty(t, report.Reasons)
	require.GreaterOrEqual(t, report.Score, 0.5)
	require.LessOrEqual(t, report.Score, 1.0)
	require.Equal(t, report.Score, math.Round(report.Score*100)/100, "score is rounded to 2 decimals")
	require.GreaterOrEqual(t, report.Signals, minSignals)
}

func TestValidateQualityRejectsShortContent(t *testing.T) {
	t.Parallel()

	report := ValidateQuality("tiny", 4000, DefaultQualityConfig())
	require.False(t, report.Passed)
	require.Zero(t, report.Score)

	joined := strings.Join(report.Reasons, "; ")
	require.Contains(t, joined, "shorter than 100 chars")
}

func TestValidateQualityRejectsErrorPage(t *testing.T) {
	t.Parallel()

	content := "404 Not Found. The page you requested does not exist on this server."
	report := ValidateQuality(content, len(content)*2, DefaultQualityConfig())
	require.False(t, report.Passed)
	require.Contains(t, strings.Join(report.Reasons, "; "), "error page")
}

func TestValidateQualityRejectsLoginWall(t *testing.T) {
	t.Parallel()

	content := "Sign in to continue. Enter your username and password. Forgot password?" +
		" New here? Create an account to get started with the product today."
	report := ValidateQuality(content, len(content)*2, DefaultQualityConfig())
	require.False(t, report.Passed)
	require.Contains(t, strings.Join(report.Reasons, "; "), "login page")
}

func TestValidateQualityRejectsLowDensity(t *testing.T) {
	t.Parallel()

	report := ValidateQuality(goodDoc, len(goodDoc)*20, DefaultQualityConfig())
	require.False(t, report.Passed)
	require.Contains(t, strings.Join(report.Reasons, "; "), "text density")
}

func TestValidateQualityRejectsBoilerplate(t *testing.T) {
	t.Parallel()

	content := strings.Repeat("We use cookies to improve your experience. ", 6) +
		"Subscribe to our newsletter. All rights reserved. Privacy Policy. Terms of Service."
	report := ValidateQuality(content, len(content)*2, DefaultQualityConfig())
	require.False(t, report.Passed)
	require.Contains(t, strings.Join(report.Reasons, "; "), "boilerplate ratio")
}

func TestValidateQualityRequiresSemanticSignals(t *testing.T) {
	t.Parallel()

	content := "The weather yesterday was mild with occasional light rain across the valley. " +
		"Most residents spent the afternoon outdoors enjoying the unusually warm breeze while " +
		"shopkeepers arranged their stalls along the riverbank before sunset."
	report := ValidateQuality(content, len(content)*2, DefaultQualityConfig())
	require.False(t, report.Passed)
	require.Contains(t, strings.Join(report.Reasons, "; "), "documentation signals")
}

func TestValidateQualityCollectsEveryReason(t *testing.T) {
	t.Parallel()

	report := ValidateQuality("404 not found", 10000, DefaultQualityConfig())
	require.False(t, report.Passed)
	require.GreaterOrEqual(t, len(report.Reasons), 3, "short + error page + density must all be reported: %v", report.Reasons)
}

func TestQualityScoreComposition(t *testing.T) {
	t.Parallel()

	// Full marks: >=2000 chars, all five signals, density >= 0.5.
	require.Equal(t, 1.0, qualityScore(2000, 5, 0.5))
	// Base only: minimal length, no extra signals beyond the gate.
	require.Equal(t, 0.5, qualityScore(0, 0, 0))
	// Bonuses cap rather than overflow.
	require.Equal(t, 1.0, qualityScore(100000, 5, 1))
	// Partial credit lands between the bounds.
	mid := qualityScore(1000, 3, 0.2)
	require.Greater(t, mid, 0.5)
	require.Less(t, mid, 1.0)
}
