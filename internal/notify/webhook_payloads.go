package notify

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/tidwall/sjson"
)

func (w *WebhookNotifier) buildPayload(data *Data) ([]byte, error) {
	switch strings.ToLower(w.config.Format) {
	case "discord":
		return json.Marshal(buildDiscordPayload(data))
	case "slack":
		return json.Marshal(buildSlackPayload(data))
	case "generic":
		return buildGenericPayload(data)
	default:
		w.logger.Warning("Unknown webhook format %q, using generic", w.config.Format)
		return buildGenericPayload(data)
	}
}

// buildGenericPayload is the run report with host and status fields added.
func buildGenericPayload(data *Data) ([]byte, error) {
	doc := data.Report
	if len(doc) == 0 {
		doc = []byte(`{}`)
	}
	fields := []struct {
		path  string
		value interface{}
	}{
		{"title", BuildTitle(data)},
		{"status", data.Status.String()},
		{"hostname", data.Hostname},
		{"version", data.Version},
		{"timestamp", data.Date.Unix()},
		{"issues.errors", data.ErrorCount},
		{"issues.warnings", data.WarningCount},
	}
	var err error
	for _, f := range fields {
		if doc, err = sjson.SetBytes(doc, f.path, f.value); err != nil {
			return nil, fmt.Errorf("set %s: %w", f.path, err)
		}
	}
	return doc, nil
}

func statusColor(s Status) int {
	switch s {
	case StatusSuccess:
		return 3066993
	case StatusWarning:
		return 16753920
	case StatusFailure:
		return 15158332
	default:
		return 9807270
	}
}

func buildDiscordPayload(data *Data) map[string]interface{} {
	field := func(name, value string, inline bool) map[string]interface{} {
		return map[string]interface{}{"name": name, "value": value, "inline": inline}
	}

	fields := []map[string]interface{}{
		field("Hostname", data.Hostname, true),
		field("Status", fmt.Sprintf("%s %s", data.Status.Emoji(), data.Status), true),
		field("Targets", data.Selection, true),
		field("Duration", FormatDuration(data.Duration), true),
		field("Backed up", fmt.Sprintf("%d (%s)", data.BackedUp, humanize.IBytes(uint64(data.BytesWritten))), true),
		field("Remote", fmt.Sprintf("synced %s, verified %s", yesNo(data.Synced), yesNo(data.Verified)), true),
	}
	if data.Error != "" {
		fields = append(fields, field("Error", fmt.Sprintf("%s: %s", data.FailedPhase, data.Error), false))
	}
	if len(data.LeftStopped) > 0 {
		fields = append(fields, field("Possibly left stopped", strings.Join(data.LeftStopped, ", "), false))
	}
	if len(data.Outcomes) > 0 {
		fields = append(fields, field("Summary", "```\n"+outcomeLines(data.Outcomes)+"```", false))
	}

	embed := map[string]interface{}{
		"title":       BuildTitle(data),
		"description": fmt.Sprintf("Run finished with status **%s** (exit %d)", data.Status, data.ExitCode),
		"color":       statusColor(data.Status),
		"fields":      fields,
		"footer":      map[string]interface{}{"text": fmt.Sprintf("proxsync %s • run %s", data.Version, data.RunID)},
		"timestamp":   data.Date.Format("2006-01-02T15:04:05Z07:00"),
	}
	return map[string]interface{}{"embeds": []interface{}{embed}}
}

func buildSlackPayload(data *Data) map[string]interface{} {
	mrkdwn := func(text string) map[string]interface{} {
		return map[string]interface{}{"type": "mrkdwn", "text": text}
	}

	blocks := []interface{}{
		map[string]interface{}{
			"type": "header",
			"text": map[string]interface{}{"type": "plain_text", "text": BuildTitle(data)},
		},
		map[string]interface{}{
			"type": "section",
			"fields": []interface{}{
				mrkdwn(fmt.Sprintf("*Status:*\n%s %s (exit %d)", data.Status.Emoji(), data.Status, data.ExitCode)),
				mrkdwn(fmt.Sprintf("*Targets:*\n%s", data.Selection)),
				mrkdwn(fmt.Sprintf("*Duration:*\n%s", FormatDuration(data.Duration))),
				mrkdwn(fmt.Sprintf("*Backed up:*\n%d (%s)", data.BackedUp, humanize.IBytes(uint64(data.BytesWritten)))),
			},
		},
		map[string]interface{}{"type": "divider"},
	}
	if len(data.Outcomes) > 0 {
		blocks = append(blocks, map[string]interface{}{
			"type": "section",
			"text": mrkdwn("```\n" + outcomeLines(data.Outcomes) + "```"),
		})
	}
	if data.Error != "" {
		blocks = append(blocks, map[string]interface{}{
			"type": "section",
			"text": mrkdwn(fmt.Sprintf("*Failed in %s:* %s", data.FailedPhase, data.Error)),
		})
	}
	blocks = append(blocks, map[string]interface{}{
		"type":     "context",
		"elements": []interface{}{mrkdwn(fmt.Sprintf("proxsync %s • errors %d • warnings %d", data.Version, data.ErrorCount, data.WarningCount))},
	})
	return map[string]interface{}{"blocks": blocks}
}

func outcomeLines(outcomes []Outcome) string {
	var b strings.Builder
	for _, o := range outcomes {
		fmt.Fprintf(&b, "%-14s %s\n", o.Name, o.Action)
	}
	return b.String()
}
