// Package views holds the server-rendered candidate pages. The components
// are written in .templ files; run `templ generate` after editing them.
package views

import (
	"context"
	"strconv"

	"github.com/pavelanni/testforge/internal/i18n"
	"github.com/pavelanni/testforge/internal/model"
	"github.com/pavelanni/testforge/internal/report"
	"github.com/pavelanni/testforge/internal/taking"
)

// htmxConfig lets error responses replace their target, so the handlers can
// retarget a localized message into the flash area.
const htmxConfig = `{"responseHandling":[{"code":"204","swap":false},{"code":"[23]..","swap":true},{"code":"[45]..","swap":true,"error":true}]}`

var bandMessages = map[report.Band]string{
	report.BandExcellent:        "BandExcellent",
	report.BandGood:             "BandGood",
	report.BandFair:             "BandFair",
	report.BandNeedsImprovement: "BandNeedsImprovement",
}

// BandLabel returns the localized label of a score band.
func BandLabel(ctx context.Context, b report.Band) string {
	if id, ok := bandMessages[b]; ok {
		return i18n.T(ctx, id)
	}
	return string(b)
}

// FormatWarningText returns the localized notice for a question format the
// session cannot offer, or "".
func FormatWarningText(ctx context.Context, fw taking.FormatWarning) string {
	switch fw {
	case taking.WarningChoice:
		return i18n.T(ctx, "FormatWarningChoice")
	case taking.WarningAudio:
		return i18n.T(ctx, "FormatWarningAudio")
	default:
		return ""
	}
}

func points(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func apiPath(ctx context.Context, p string) string {
	return model.BasePathFromContext(ctx) + "/api" + p
}

func attemptPath(ctx context.Context, attemptID, action string) string {
	return apiPath(ctx, "/attempts/"+attemptID+action)
}

func resultTitle(v report.View) string {
	if v.TestTitle != "" {
		return v.TestTitle
	}
	return v.Result.CandidateName
}

func rowScore(row report.Row) string {
	if row.MaxPoints > 0 {
		return points(row.Score) + " / " + points(row.MaxPoints)
	}
	return points(row.Score)
}
