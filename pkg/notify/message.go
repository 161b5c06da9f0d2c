package notify

import (
	"fmt"
	"sort"
	"strings"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/applyops/applyd/pkg/intervene"
	"github.com/applyops/applyd/pkg/models"
)

const maxBlockTextLength = 2900

var interventionHeadline = map[intervene.Kind]string{
	intervene.KindCaptcha:   ":robot_face: *Captcha needs a human*",
	intervene.KindTwoFactor: ":closed_lock_with_key: *Two-factor code needed*",
}

// BuildInterventionMessage creates Block Kit blocks asking a human to
// resolve a blocked application before the wait times out.
func BuildInterventionMessage(req intervene.Request, deadline time.Time) []goslack.Block {
	headline := interventionHeadline[req.Kind]
	if headline == "" {
		headline = ":raising_hand: *Manual step needed*"
	}

	text := fmt.Sprintf("%s\nApplication `%s` is paused.", headline, req.ApplicationID)
	if req.Detail != "" {
		text += "\n" + truncateForSlack(req.Detail)
	}
	text += fmt.Sprintf("\nResolve before <!date^%d^{time}|%s> or the item is skipped.",
		deadline.Unix(), deadline.UTC().Format(time.RFC3339))

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}
}

// BuildDigestMessage creates Block Kit blocks summarizing a finished
// session.
func BuildDigestMessage(d *models.Digest, status models.SessionStatus) []goslack.Block {
	emoji := map[models.SessionStatus]string{
		models.SessionCompleted: ":white_check_mark:",
		models.SessionFailed:    ":x:",
		models.SessionCancelled: ":no_entry_sign:",
	}[status]
	if emoji == "" {
		emoji = ":question:"
	}

	header := fmt.Sprintf("%s *Session %s: %s*", emoji, d.SessionID, status)
	body := fmt.Sprintf(
		"Attempted %d, submitted %d, failed %d, skipped %d.\nAvg match score %.2f, spend $%.2f, duration %s.",
		d.Counters.Attempted, d.Counters.Succeeded, d.Counters.Failed, d.Counters.Skipped,
		d.AvgMatchScore, d.Counters.Cost, d.Duration.Round(time.Second))

	blocks := []goslack.Block{
		goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType, header, false, false), nil, nil),
		goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType, body, false, false), nil, nil),
	}

	if len(d.FailureTaxonomy) > 0 {
		var lines []string
		for code, sample := range d.FailureTaxonomy {
			lines = append(lines, fmt.Sprintf("`%s`: %d", code, sample.Count))
		}
		sort.Strings(lines)
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType,
				"*Failures*\n"+truncateForSlack(strings.Join(lines, "\n")), false, false),
			nil, nil,
		))
	}
	return blocks
}

// BuildFatalMessage creates Block Kit blocks for an unrecoverable error.
func BuildFatalMessage(sessionID, message string) []goslack.Block {
	text := fmt.Sprintf(":rotating_light: *Session %s hit a fatal error*\n%s",
		sessionID, truncateForSlack(message))
	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}
}

func truncateForSlack(s string) string {
	if len(s) <= maxBlockTextLength {
		return s
	}
	return s[:maxBlockTextLength] + "..."
}
