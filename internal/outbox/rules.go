package outbox

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"routinesync/internal/config"
)

// Payload field names understood by the backend.
const (
	FieldTitle    = "titulo"
	FieldWeekdays = "diasSemana"
	FieldUserID   = "usuarioId"
)

// Rules hold kind normalization and payload default-filling. The same rules
// run at enqueue and again at drain.
type Rules struct {
	DefaultKind     string
	Kinds           map[string]string
	DefaultTitle    string
	DefaultWeekdays []string
}

// RulesFromConfig builds Rules from the [outbox] section.
func RulesFromConfig(cfg *config.Config) Rules {
	return NewRules(cfg.Outbox.DefaultKind, cfg.Outbox.Kinds, cfg.Outbox.DefaultTitle, cfg.Outbox.DefaultWeekdays)
}

// NewRules returns Rules. Weekday tags are folded with Spanish case rules.
func NewRules(defaultKind string, kinds map[string]string, defaultTitle string, defaultWeekdays []string) Rules {
	return Rules{
		DefaultKind:     defaultKind,
		Kinds:           kinds,
		DefaultTitle:    defaultTitle,
		DefaultWeekdays: append([]string(nil), defaultWeekdays...),
	}
}

// Kind maps a caller-supplied label to its endpoint kind. Unknown or empty
// labels resolve to the default kind.
func (r Rules) Kind(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if mapped, ok := r.Kinds[key]; ok && mapped != "" {
		return mapped
	}
	return r.DefaultKind
}

// Apply returns a copy of payload with defaults filled and the user stamped.
// It never fails on payload shape.
func (r Rules) Apply(payload Payload, userID string) Payload {
	out := payload.Clone()

	switch title := out[FieldTitle].(type) {
	case nil:
		out[FieldTitle] = r.DefaultTitle
	case string:
		if title = strings.TrimSpace(title); title == "" {
			out[FieldTitle] = r.DefaultTitle
		} else {
			out[FieldTitle] = title
		}
	}

	days := r.weekdays(out[FieldWeekdays])
	if len(days) == 0 {
		days = append([]string(nil), r.DefaultWeekdays...)
	}
	out[FieldWeekdays] = days

	if userID != "" {
		out[FieldUserID] = userID
	}
	return out
}

func (r Rules) weekdays(value any) []string {
	var raw []string
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		raw = strings.Split(v, ",")
	case []string:
		raw = v
	case []any:
		for _, item := range v {
			if item == nil {
				continue
			}
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			} else {
				raw = append(raw, fmt.Sprint(item))
			}
		}
	default:
		return nil
	}

	// Casers are stateful; one per call.
	lower := cases.Lower(language.Spanish)
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, day := range raw {
		day = lower.String(strings.TrimSpace(day))
		if day == "" {
			continue
		}
		if _, ok := seen[day]; ok {
			continue
		}
		seen[day] = struct{}{}
		out = append(out, day)
	}
	return out
}
