package intake

import (
	"encoding/xml"
	"regexp"
	"strings"
	"time"

	"github.com/kinshell/kinshell/pkg/types"
)

// FormatPrompt renders pending messages as the XML block the agent reads.
func FormatPrompt(msgs []types.Message) string {
	var b strings.Builder
	b.WriteString("<messages>\n")
	for _, m := range msgs {
		name := m.SenderDisplayName
		if name == "" {
			name = m.SenderIdentity
		}
		b.WriteString(`<message sender="`)
		escape(&b, name)
		b.WriteString(`" time="`)
		b.WriteString(m.Timestamp.UTC().Format(time.RFC3339))
		b.WriteString(`">`)
		escape(&b, m.Text)
		b.WriteString("</message>\n")
	}
	b.WriteString("</messages>")
	return b.String()
}

func escape(b *strings.Builder, s string) {
	// strings.Builder never fails a write.
	_ = xml.EscapeText(b, []byte(s))
}

// TriggerPattern compiles a group trigger. An empty trigger means
// "@<assistant>" at the start of the message. Triggers are
// case-insensitive; one that is not a valid expression matches literally.
func TriggerPattern(trigger, assistant string) *regexp.Regexp {
	trigger = strings.TrimSpace(trigger)
	if trigger == "" {
		return regexp.MustCompile(`(?i)^@` + regexp.QuoteMeta(assistant) + `\b`)
	}
	if re, err := regexp.Compile("(?i)" + trigger); err == nil {
		return re
	}
	return regexp.MustCompile(`(?i)^` + regexp.QuoteMeta(trigger))
}
